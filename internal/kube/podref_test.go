package kube_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podtail/podtail/internal/kube"
)

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name string
		path string
		want kube.PodRef
	}{
		{
			name: "typical",
			path: "/var/log/containers/web-7d4b9c_default_nginx-0123abcd.log",
			want: kube.PodRef{Pod: "web-7d4b9c", Namespace: "default", Container: "nginx", ContainerID: "0123abcd"},
		},
		{
			name: "dashes in container name",
			path: "coredns-5d78c9869d-abcde_kube-system_core-dns-sidecar-f00d.log",
			want: kube.PodRef{Pod: "coredns-5d78c9869d-abcde", Namespace: "kube-system", Container: "core-dns-sidecar", ContainerID: "f00d"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := kube.ParseFileName(tc.path)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseFileName_Malformed(t *testing.T) {
	tests := []string{
		"/var/log/containers/app.txt",
		"/var/log/containers/app.log",
		"pod_ns.log",
		"pod_ns_extra_container-id.log",
		"pod_ns_container.log",
		"pod_ns_-id.log",
		"pod_ns_container-.log",
		"_ns_container-id.log",
	}

	for _, path := range tests {
		t.Run(path, func(t *testing.T) {
			_, err := kube.ParseFileName(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, kube.ErrMalformedName)

			var pe *kube.ParseError
			require.True(t, errors.As(err, &pe))
			assert.NotEmpty(t, pe.Reason)
		})
	}
}
