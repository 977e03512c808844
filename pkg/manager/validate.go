package manager

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/cuemby/shipyard/pkg/types"
	"github.com/go-playground/validator/v10"
)

// DefaultInternalPort is used when a create request names no internal port
const DefaultInternalPort = 80

// CreateRequest is the raw input of a container creation
type CreateRequest struct {
	Name          string  `json:"name,omitempty" yaml:"name,omitempty" validate:"omitempty,containername"`
	Image         string  `json:"image,omitempty" yaml:"image,omitempty"`
	ImageID       string  `json:"image_id,omitempty" yaml:"image_id,omitempty"`
	CPULimit      float64 `json:"cpu_limit" yaml:"cpu_limit" validate:"gt=0"`
	MemoryLimitMB int     `json:"memory_limit_mb" yaml:"memory_limit_mb" validate:"gt=0"`
	InternalPort  int     `json:"internal_port,omitempty" yaml:"internal_port,omitempty" validate:"min=1,max=65535"`
	HostPort      int     `json:"host_port" yaml:"host_port" validate:"min=1,max=65535"`
	AutoStart     bool    `json:"auto_start,omitempty" yaml:"auto_start,omitempty"`
}

var validate = validator.New()

var containerNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

func init() {
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	validate.RegisterValidation("containername", func(fl validator.FieldLevel) bool {
		return containerNameRegex.MatchString(fl.Field().String())
	})
}

// ValidateSpec turns a create request into a validated spec. It has no side
// effects. When both image and image_id are given, image_id wins.
func ValidateSpec(req CreateRequest) (types.ContainerSpec, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Image = strings.TrimSpace(req.Image)
	req.ImageID = strings.TrimSpace(req.ImageID)
	if req.InternalPort == 0 {
		req.InternalPort = DefaultInternalPort
	}

	if req.ImageID != "" {
		req.Image = ""
	}
	if req.Image == "" && req.ImageID == "" {
		return types.ContainerSpec{}, types.ValidationError("one of image or image_id is required")
	}

	if err := validate.Struct(req); err != nil {
		return types.ContainerSpec{}, types.ValidationError("%s", describe(err))
	}

	return types.ContainerSpec{
		Name:          req.Name,
		Image:         req.Image,
		ImageID:       req.ImageID,
		CPULimit:      req.CPULimit,
		MemoryLimitMB: req.MemoryLimitMB,
		InternalPort:  req.InternalPort,
		HostPort:      req.HostPort,
		AutoStart:     req.AutoStart,
	}, nil
}

// describe renders the first field error in user terms
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "min", "max":
		return fmt.Sprintf("%s must be between 1 and 65535", fe.Field())
	case "containername":
		return fmt.Sprintf("%s %q is not a valid container name", fe.Field(), fe.Value())
	default:
		return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
	}
}
