// Package models defines the core data structures shared by the asset
// pipeline, the relocation workflow and the HTTP layer.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate runs struct-tag validation and flattens the result into a
// single readable error.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid request: %s", strings.Join(msgs, "; "))
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// IgnoreEntry suppresses a finding for a node in the graph.
type IgnoreEntry struct {
	ID        string    `json:"id" validate:"required,max=256"`
	Reason    string    `json:"reason,omitempty" validate:"max=1024"`
	CreatedAt time.Time `json:"created_at"`
}

type RelocationRequest struct {
	InstanceID       string   `json:"instanceId" validate:"required,startswith=i-"`
	TargetVpcID      string   `json:"targetVpcId" validate:"required,startswith=vpc-"`
	TargetSubnetID   string   `json:"targetSubnetId,omitempty" validate:"omitempty,startswith=subnet-"`
	SecurityGroupIDs []string `json:"securityGroupIds,omitempty" validate:"omitempty,dive,startswith=sg-"`
	CleanupOnFailure bool     `json:"cleanupOnFailure,omitempty"`
}

type RelocationStatus string

const (
	RelocationSucceeded RelocationStatus = "succeeded"
	RelocationFailed    RelocationStatus = "failed"
)

type RelocationResult struct {
	ID            string           `json:"id"`
	InstanceID    string           `json:"instanceId"`
	NewInstanceID string           `json:"newInstanceId,omitempty"`
	ImageID       string           `json:"imageId,omitempty"`
	SubnetID      string           `json:"subnetId,omitempty"`
	SourceVpcID   string           `json:"sourceVpcId,omitempty"`
	TargetVpcID   string           `json:"targetVpcId"`
	ElasticIPs    []string         `json:"elasticIps,omitempty"`
	Warnings      []string         `json:"warnings,omitempty"`
	Status        RelocationStatus `json:"status"`
	Error         string           `json:"error,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
}
