package manager

import (
	"testing"

	"github.com/cuemby/shipyard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSpec(t *testing.T) {
	base := CreateRequest{
		Image:         "nginx:latest",
		CPULimit:      0.5,
		MemoryLimitMB: 128,
		InternalPort:  8080,
		HostPort:      9000,
	}

	tests := []struct {
		name    string
		mutate  func(r *CreateRequest)
		wantErr string
		check   func(t *testing.T, s types.ContainerSpec)
	}{
		{
			name:   "valid",
			mutate: func(r *CreateRequest) {},
			check: func(t *testing.T, s types.ContainerSpec) {
				assert.Equal(t, "nginx:latest", s.Image)
				assert.Equal(t, 8080, s.InternalPort)
			},
		},
		{
			name:   "image_id wins",
			mutate: func(r *CreateRequest) { r.ImageID = "img-1" },
			check: func(t *testing.T, s types.ContainerSpec) {
				assert.Equal(t, "img-1", s.ImageID)
				assert.Empty(t, s.Image)
			},
		},
		{
			name:   "internal port defaults to 80",
			mutate: func(r *CreateRequest) { r.InternalPort = 0 },
			check: func(t *testing.T, s types.ContainerSpec) {
				assert.Equal(t, 80, s.InternalPort)
			},
		},
		{
			name:   "whitespace trimmed",
			mutate: func(r *CreateRequest) { r.Image = "  nginx:latest \n"; r.Name = " web " },
			check: func(t *testing.T, s types.ContainerSpec) {
				assert.Equal(t, "nginx:latest", s.Image)
				assert.Equal(t, "web", s.Name)
			},
		},
		{
			name:    "neither image nor image_id",
			mutate:  func(r *CreateRequest) { r.Image = "   " },
			wantErr: "one of image or image_id is required",
		},
		{
			name:    "zero cpu",
			mutate:  func(r *CreateRequest) { r.CPULimit = 0 },
			wantErr: "cpu_limit must be greater than 0",
		},
		{
			name:    "negative memory",
			mutate:  func(r *CreateRequest) { r.MemoryLimitMB = -1 },
			wantErr: "memory_limit_mb must be greater than 0",
		},
		{
			name:    "missing host port",
			mutate:  func(r *CreateRequest) { r.HostPort = 0 },
			wantErr: "host_port must be between 1 and 65535",
		},
		{
			name:    "internal port too large",
			mutate:  func(r *CreateRequest) { r.InternalPort = 65536 },
			wantErr: "internal_port must be between 1 and 65535",
		},
		{
			name:    "bad name",
			mutate:  func(r *CreateRequest) { r.Name = "-web" },
			wantErr: "not a valid container name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)

			spec, err := ValidateSpec(req)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, types.KindValidation, types.KindOf(err))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, spec)
		})
	}
}
