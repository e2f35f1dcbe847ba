package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgw/internal/util"
)

func faceEmbedding() ServiceDescriptor {
	return ServiceDescriptor{
		Name: "face-embedding",
		Host: "localhost",
		Port: 50061,
		Methods: map[string]MethodDescriptor{
			"Extract": {MethodName: "Extract", RequestTypeIdentifier: "ExtractRequest"},
		},
	}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "face-embedding", NormalizeName("  Face-Embedding "))
	assert.Equal(t, "", NormalizeName(""))
}

func TestServiceDescriptor_Target(t *testing.T) {
	assert.Equal(t, "localhost:50061", faceEmbedding().Target())

	d := ServiceDescriptor{Host: "::1", Port: 50051}
	assert.Equal(t, "[::1]:50051", d.Target())
}

func TestServiceDescriptor_Clone(t *testing.T) {
	orig := faceEmbedding()
	clone := orig.Clone()
	clone.Methods["Other"] = MethodDescriptor{MethodName: "Other", RequestTypeIdentifier: "OtherRequest"}

	assert.Len(t, orig.Methods, 1)
	assert.Len(t, clone.Methods, 2)
}

func TestServiceDescriptor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *ServiceDescriptor)
		wantErr bool
	}{
		{name: "valid", mutate: func(*ServiceDescriptor) {}},
		{name: "missing name", mutate: func(d *ServiceDescriptor) { d.Name = "" }, wantErr: true},
		{name: "missing host", mutate: func(d *ServiceDescriptor) { d.Host = "" }, wantErr: true},
		{name: "zero port", mutate: func(d *ServiceDescriptor) { d.Port = 0 }, wantErr: true},
		{name: "port too large", mutate: func(d *ServiceDescriptor) { d.Port = 70000 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := faceEmbedding()
			tt.mutate(&d)
			err := d.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, util.ErrConfigInvalid))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestServiceDescriptor_NormalizeFillsMethodNames(t *testing.T) {
	d := ServiceDescriptor{
		Name:    "Face",
		Methods: map[string]MethodDescriptor{"Extract": {RequestTypeIdentifier: "ExtractRequest"}},
	}

	n := d.normalize()
	assert.Equal(t, "face", n.Name)
	assert.Equal(t, "Extract", n.Methods["Extract"].MethodName)
	assert.Empty(t, d.Methods["Extract"].MethodName)
}

func TestServiceDescriptor_NormalizeNilMethods(t *testing.T) {
	d := ServiceDescriptor{Name: "x", Host: "h", Port: 1}
	assert.NotNil(t, d.normalize().Methods)
}
