package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Solution identifies one of the two DR topologies a tenant can request.
type Solution string

const (
	// SolutionReadReplica provisions a cross-region database read replica.
	SolutionReadReplica Solution = "READ_REPLICA"

	// SolutionSnapshot provisions scheduled cross-region snapshot copies.
	SolutionSnapshot Solution = "SNAPSHOT"
)

// ParseSolution converts a discriminator value into a Solution.
func ParseSolution(s string) (Solution, error) {
	switch Solution(s) {
	case SolutionReadReplica, SolutionSnapshot:
		return Solution(s), nil
	default:
		return "", NewValidationError(fmt.Sprintf("unknown solution type %q", s), nil)
	}
}

// Variable is one entry of a rendered variables document. Value is a
// string, a []string, or a map[string]string.
type Variable struct {
	Name  string
	Value interface{}
}

// SolutionConfig is the configuration of one solution variant. The set of
// implementations is closed: ReadReplicaConfig and SnapshotConfig.
type SolutionConfig interface {
	// Solution returns the variant discriminator.
	Solution() Solution

	// Validate checks every field the variant requires.
	Validate() error

	// Variables lists the fields to materialize, in a stable order.
	Variables() []Variable

	sealed()
}

// ReadReplicaConfig configures the read replica solution.
type ReadReplicaConfig struct {
	AWSRegion             string   `json:"aws_region" validate:"required"`
	AWSReadReplicaRegion  string   `json:"aws_read_replica_region" validate:"required,nefield=AWSRegion"`
	PrimaryDBIdentifier   string   `json:"primary_db_identifier" validate:"required"`
	ReadReplicaIdentifier string   `json:"read_replica_identifier" validate:"required"`
	InstanceClass         string   `json:"instance_class" validate:"required"`
	VPCCIDR               string   `json:"vpc_cidr" validate:"required,cidr"`
	PublicSubnetCIDRs     []string `json:"public_subnet_cidrs" validate:"required,min=1,dive,required,cidr"`
	NotificationEmail     string   `json:"notification_email" validate:"required,email"`
	Environment           string   `json:"environment" validate:"required"`
	TagName               string   `json:"tag_name" validate:"required"`
}

// Solution implements SolutionConfig.
func (ReadReplicaConfig) Solution() Solution { return SolutionReadReplica }

// Validate implements SolutionConfig.
func (c ReadReplicaConfig) Validate() error { return validateStruct(c) }

// Variables implements SolutionConfig.
func (c ReadReplicaConfig) Variables() []Variable {
	return []Variable{
		{Name: "aws_region", Value: c.AWSRegion},
		{Name: "aws_read_replica_region", Value: c.AWSReadReplicaRegion},
		{Name: "primary_db_identifier", Value: c.PrimaryDBIdentifier},
		{Name: "read_replica_identifier", Value: c.ReadReplicaIdentifier},
		{Name: "instance_class", Value: c.InstanceClass},
		{Name: "vpc_cidr", Value: c.VPCCIDR},
		{Name: "public_subnet_cidrs", Value: append([]string(nil), c.PublicSubnetCIDRs...)},
		{Name: "notification_email", Value: c.NotificationEmail},
		{Name: "environment", Value: c.Environment},
		{Name: "tag_name", Value: c.TagName},
	}
}

func (ReadReplicaConfig) sealed() {}

// SnapshotConfig configures the snapshot solution.
type SnapshotConfig struct {
	PrimaryRegion       string            `json:"primary_region" validate:"required"`
	DRRegion            string            `json:"dr_region" validate:"required,nefield=PrimaryRegion"`
	PrimaryDBIdentifier string            `json:"primary_db_identifier" validate:"required"`
	ProjectName         string            `json:"project_name" validate:"required"`
	SNSEmail            string            `json:"sns_email" validate:"required,email"`
	Tags                map[string]string `json:"tags,omitempty" validate:"omitempty,dive,keys,required,endkeys,required"`
}

// Solution implements SolutionConfig.
func (SnapshotConfig) Solution() Solution { return SolutionSnapshot }

// Validate implements SolutionConfig.
func (c SnapshotConfig) Validate() error { return validateStruct(c) }

// Variables implements SolutionConfig. Tags are omitted when empty.
func (c SnapshotConfig) Variables() []Variable {
	vars := []Variable{
		{Name: "primary_region", Value: c.PrimaryRegion},
		{Name: "dr_region", Value: c.DRRegion},
		{Name: "primary_db_identifier", Value: c.PrimaryDBIdentifier},
		{Name: "project_name", Value: c.ProjectName},
		{Name: "sns_email", Value: c.SNSEmail},
	}
	if len(c.Tags) > 0 {
		tags := make(map[string]string, len(c.Tags))
		for k, v := range c.Tags {
			tags[k] = v
		}
		vars = append(vars, Variable{Name: "tags", Value: tags})
	}
	return vars
}

func (SnapshotConfig) sealed() {}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct runs the struct tags and folds the result into a single
// ValidationError naming every offending field.
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError("invalid configuration", err)
	}

	var missing, invalid []string
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required":
			missing = append(missing, field)
		case "nefield":
			invalid = append(invalid, fmt.Sprintf("%s must differ from %s", field, toSnake(fe.Param())))
		default:
			invalid = append(invalid, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	sort.Strings(missing)

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(missing, ", "))
	}
	parts = append(parts, invalid...)

	verr := NewValidationError(strings.Join(parts, "; "), nil)
	if len(missing) > 0 {
		verr.WithDetail("missing", missing)
	}
	return verr
}

// toSnake maps a Go field name used in a cross-field tag back to its JSON name.
func toSnake(goField string) string {
	switch goField {
	case "AWSRegion":
		return "aws_region"
	case "PrimaryRegion":
		return "primary_region"
	default:
		return goField
	}
}

// EncodeSolutionConfig serializes cfg with its solutionType discriminator.
func EncodeSolutionConfig(cfg SolutionConfig) (string, error) {
	var payload interface{}
	switch c := cfg.(type) {
	case ReadReplicaConfig:
		payload = struct {
			SolutionType Solution `json:"solutionType"`
			ReadReplicaConfig
		}{SolutionReadReplica, c}
	case SnapshotConfig:
		payload = struct {
			SolutionType Solution `json:"solutionType"`
			SnapshotConfig
		}{SolutionSnapshot, c}
	default:
		return "", fmt.Errorf("unsupported solution config %T", cfg)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode solution config: %w", err)
	}
	return string(data), nil
}

// DecodeSolutionConfig parses a discriminated configuration document. Fields
// that belong to neither variant, such as credentials, are ignored. The
// result is not validated.
func DecodeSolutionConfig(data []byte) (SolutionConfig, error) {
	var head struct {
		SolutionType string `json:"solutionType"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, NewValidationError("configuration is not valid JSON", err)
	}
	if head.SolutionType == "" {
		return nil, NewValidationError("missing required fields: solutionType", nil)
	}

	solution, err := ParseSolution(head.SolutionType)
	if err != nil {
		return nil, err
	}

	switch solution {
	case SolutionReadReplica:
		var c ReadReplicaConfig
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, NewValidationError("malformed read replica configuration", err)
		}
		return c, nil
	default:
		var c SnapshotConfig
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, NewValidationError("malformed snapshot configuration", err)
		}
		return c, nil
	}
}
