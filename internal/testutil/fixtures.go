// Package testutil holds parquet fixtures and fakes shared by package tests.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"

	"github.com/fortifai/core/internal/models"
)

const DirectoryKey = "asset_directory.parquet"

type VPCRow struct {
	VpcId     string  `parquet:"VpcId"`
	CidrBlock string  `parquet:"CidrBlock"`
	Name      *string `parquet:"Name,optional"`
}

type SubnetRow struct {
	SubnetId         string `parquet:"SubnetId"`
	VpcId            string `parquet:"VpcId"`
	AvailabilityZone string `parquet:"AvailabilityZone"`
}

type InstanceRow struct {
	InstanceId     string   `parquet:"InstanceId"`
	VpcId          string   `parquet:"VpcId"`
	SubnetId       string   `parquet:"SubnetId"`
	InstanceType   string   `parquet:"InstanceType"`
	CpuCount       int64    `parquet:"CpuCount"`
	PublicIp       bool     `parquet:"PublicIp"`
	SecurityGroups []string `parquet:"SecurityGroups"`
	Name           *string  `parquet:"Name,optional"`
}

type IAMUserRow struct {
	UserName string `parquet:"UserName"`
	Arn      string `parquet:"Arn"`
}

type BucketRow struct {
	BucketName string  `parquet:"BucketName"`
	Region     string  `parquet:"Region"`
	SizeGB     float64 `parquet:"SizeGB"`
}

type PodRow struct {
	Uid       string `parquet:"uid"`
	Name      string `parquet:"name"`
	Namespace string `parquet:"namespace"`
	VpcId     string `parquet:"vpc_id"`
}

func StringPtr(s string) *string { return &s }

// Encode writes rows to an in-memory parquet file.
func Encode[T any](t testing.TB, rows []T) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, parquet.Write(&buf, rows))
	return buf.Bytes()
}

// Dataset returns a small but complete set of asset tables and the
// directory describing them, keyed by object path.
func Dataset(t testing.TB) map[string][]byte {
	t.Helper()

	objects := map[string][]byte{
		"tables/vpcs.parquet": Encode(t, []VPCRow{
			{VpcId: "vpc-1", CidrBlock: "10.0.0.0/16", Name: StringPtr("prod")},
			{VpcId: "vpc-2", CidrBlock: "10.1.0.0/16"},
		}),
		"tables/subnets.parquet": Encode(t, []SubnetRow{
			{SubnetId: "subnet-1", VpcId: "vpc-1", AvailabilityZone: "us-east-1a"},
		}),
		"tables/ec2.parquet": Encode(t, []InstanceRow{
			{
				InstanceId:     "i-1",
				VpcId:          "vpc-1",
				SubnetId:       "subnet-1",
				InstanceType:   "t3.micro",
				CpuCount:       2,
				PublicIp:       true,
				SecurityGroups: []string{"sg-1", "sg-2"},
				Name:           StringPtr("web"),
			},
			{InstanceId: "i-2", VpcId: "vpc-3", SubnetId: "subnet-9", InstanceType: "m5.large", CpuCount: 2},
		}),
		"tables/iam_users.parquet": Encode(t, []IAMUserRow{
			{UserName: "alice", Arn: "arn:aws:iam::123456789012:user/alice"},
		}),
		"tables/s3.parquet": Encode(t, []BucketRow{
			{BucketName: "logs", Region: "us-east-1", SizeGB: 1.5},
		}),
		"tables/pods.parquet": Encode(t, []PodRow{
			{Uid: "pod-uid-1", Name: "api-0", Namespace: "default", VpcId: "vpc-1"},
		}),
	}

	objects[DirectoryKey] = Encode(t, []models.DirectoryEntry{
		{AssetType: "vpcs", AssetTable: "tables/vpcs.parquet"},
		{AssetType: "subnets", AssetTable: "tables/subnets.parquet"},
		{AssetType: "ec2_instances", AssetTable: "tables/ec2.parquet"},
		{AssetType: "iam_users", AssetTable: "tables/iam_users.parquet"},
		{AssetType: "s3_buckets", AssetTable: "tables/s3.parquet"},
		{AssetType: "k8s_pods", AssetTable: "tables/pods.parquet"},
	})

	return objects
}

// ErrMissing is returned by MemorySource for unknown keys.
var ErrMissing = fmt.Errorf("object not found")

// MemorySource serves objects from a map and counts reads per key.
type MemorySource struct {
	mu      sync.Mutex
	objects map[string][]byte
	reads   map[string]int
	// Fail makes Get return an error for the listed keys.
	Fail map[string]error
	// Missing is returned for keys that are not present.
	Missing error
}

func NewMemorySource(objects map[string][]byte) *MemorySource {
	return &MemorySource{
		objects: objects,
		reads:   make(map[string]int),
		Fail:    make(map[string]error),
		Missing: ErrMissing,
	}
}

func (m *MemorySource) Name() string { return "memory" }

func (m *MemorySource) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads[key]++
	if err, ok := m.Fail[key]; ok {
		return nil, err
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, m.Missing)
	}
	return data, nil
}

func (m *MemorySource) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
}

func (m *MemorySource) SetFailure(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Fail, key)
		return
	}
	m.Fail[key] = err
}

func (m *MemorySource) Reads(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[key]
}
