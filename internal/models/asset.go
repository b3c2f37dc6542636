// Package models defines the core data structures shared by the asset
// pipeline, the relocation workflow and the HTTP layer.
package models

import "strings"

// Record is one row of a columnar asset table, keyed by column path.
type Record map[string]any

// DirectoryEntry maps an asset type to the object holding its table.
type DirectoryEntry struct {
	AssetType  string `parquet:"AssetType" json:"AssetType"`
	AssetTable string `parquet:"AssetTable" json:"AssetTable"`
}

type AssetKind string

const (
	KindVPC           AssetKind = "vpc"
	KindSubnet        AssetKind = "subnet"
	KindEC2Instance   AssetKind = "ec2_instance"
	KindSecurityGroup AssetKind = "security_group"
	KindIAMUser       AssetKind = "iam_user"
	KindIAMRole       AssetKind = "iam_role"
	KindIAMPolicy     AssetKind = "iam_policy"
	KindIAMGroup      AssetKind = "iam_group"
	KindS3Bucket      AssetKind = "s3_bucket"
	KindK8sCluster    AssetKind = "k8s_cluster"
	KindK8sNamespace  AssetKind = "k8s_namespace"
	KindK8sPod        AssetKind = "k8s_pod"
	KindK8sService    AssetKind = "k8s_service"
	KindK8sDeployment AssetKind = "k8s_deployment"
	KindUnknown       AssetKind = "unknown"
)

// Groups used to colour nodes and to pick frame parents.
const (
	GroupNetwork    = "network"
	GroupIdentity   = "identity"
	GroupStorage    = "storage"
	GroupKubernetes = "kubernetes"
	GroupOther      = "other"
	GroupVPC        = "vpc"
	GroupAdmin      = "admin"
)

var kindAliases = map[string]AssetKind{
	"vpc":             KindVPC,
	"vpcs":            KindVPC,
	"subnet":          KindSubnet,
	"subnets":         KindSubnet,
	"ec2":             KindEC2Instance,
	"instance":        KindEC2Instance,
	"instances":       KindEC2Instance,
	"ec2_instance":    KindEC2Instance,
	"ec2_instances":   KindEC2Instance,
	"security_group":  KindSecurityGroup,
	"security_groups": KindSecurityGroup,
	"iam_user":        KindIAMUser,
	"iam_users":       KindIAMUser,
	"iam_role":        KindIAMRole,
	"iam_roles":       KindIAMRole,
	"iam_policy":      KindIAMPolicy,
	"iam_policies":    KindIAMPolicy,
	"iam_group":       KindIAMGroup,
	"iam_groups":      KindIAMGroup,
	"s3":              KindS3Bucket,
	"s3_bucket":       KindS3Bucket,
	"s3_buckets":      KindS3Bucket,
	"bucket":          KindS3Bucket,
	"buckets":         KindS3Bucket,
	"eks_cluster":     KindK8sCluster,
	"eks_clusters":    KindK8sCluster,
	"cluster":         KindK8sCluster,
	"clusters":        KindK8sCluster,
	"namespace":       KindK8sNamespace,
	"namespaces":      KindK8sNamespace,
	"pod":             KindK8sPod,
	"pods":            KindK8sPod,
	"service":         KindK8sService,
	"services":        KindK8sService,
	"deployment":      KindK8sDeployment,
	"deployments":     KindK8sDeployment,
}

// KindFor maps a directory asset type such as "EC2_Instances",
// "aws_vpc" or "k8s-pods" to its asset kind.
func KindFor(assetType string) AssetKind {
	key := strings.ToLower(strings.TrimSpace(assetType))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	key = strings.TrimPrefix(key, "aws_")
	key = strings.TrimPrefix(key, "k8s_")
	key = strings.TrimPrefix(key, "kubernetes_")

	if kind, ok := kindAliases[key]; ok {
		return kind
	}
	return KindUnknown
}

// Group returns the node group an asset kind belongs to.
func (k AssetKind) Group() string {
	switch k {
	case KindVPC, KindSubnet, KindEC2Instance, KindSecurityGroup:
		return GroupNetwork
	case KindIAMUser, KindIAMRole, KindIAMPolicy, KindIAMGroup:
		return GroupIdentity
	case KindS3Bucket:
		return GroupStorage
	case KindK8sCluster, KindK8sNamespace, KindK8sPod, KindK8sService, KindK8sDeployment:
		return GroupKubernetes
	default:
		return GroupOther
	}
}

// IDColumns lists the columns tried, in order, for a node id.
func (k AssetKind) IDColumns() []string {
	var preferred []string
	switch k {
	case KindVPC:
		preferred = []string{"VpcId", "vpc_id"}
	case KindSubnet:
		preferred = []string{"SubnetId", "subnet_id"}
	case KindEC2Instance:
		preferred = []string{"InstanceId", "instance_id"}
	case KindSecurityGroup:
		preferred = []string{"GroupId", "group_id"}
	case KindIAMUser:
		preferred = []string{"Arn", "arn", "UserName", "user_name"}
	case KindIAMRole:
		preferred = []string{"Arn", "arn", "RoleName", "role_name"}
	case KindIAMPolicy:
		preferred = []string{"Arn", "arn", "PolicyName", "policy_name"}
	case KindIAMGroup:
		preferred = []string{"Arn", "arn", "GroupName", "group_name"}
	case KindS3Bucket:
		preferred = []string{"BucketName", "bucket_name", "Name", "name"}
	case KindK8sCluster, KindK8sNamespace, KindK8sPod, KindK8sService, KindK8sDeployment:
		preferred = []string{"uid", "metadata.uid", "Uid", "Arn", "arn"}
	}
	return append(preferred, "Arn", "arn", "Id", "id", "Name", "name")
}

// NameColumns lists the columns tried, in order, for a display name.
var NameColumns = []string{
	"Tags.Name", "tag_name", "Name", "name", "metadata.name",
	"UserName", "RoleName", "PolicyName", "GroupName", "BucketName", "bucket_name",
}

// VPCColumns and SubnetColumns are the reference fields that produce links.
var (
	VPCColumns    = []string{"VpcId", "vpc_id"}
	SubnetColumns = []string{"SubnetId", "subnet_id"}
)

// FirstString returns the first non-empty string value among keys.
func (r Record) FirstString(keys ...string) string {
	for _, key := range keys {
		v, ok := r[key]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if s != "" {
				return s
			}
		case []byte:
			if len(s) > 0 {
				return string(s)
			}
		}
	}
	return ""
}
