// Package kube turns the file names the kubelet writes under
// /var/log/containers into pod metadata and decorates collected log entries
// with it.
package kube

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultRoot is where the kubelet links every container's log file.
const DefaultRoot = "/var/log/containers"

// ErrMalformedName is wrapped by every ParseError.
var ErrMalformedName = errors.New("kube: malformed container log file name")

// ParseError reports a log file name that does not follow the
// <pod>_<namespace>_<container>-<containerID>.log convention.
type ParseError struct {
	Name   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("kube: parse %q: %s", e.Name, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrMalformedName }

// PodRef identifies the container a log file belongs to.
type PodRef struct {
	Pod         string
	Namespace   string
	Container   string
	ContainerID string
}

// ParseFileName extracts the pod reference from the base name of path.
// Pod, namespace and container names cannot contain '_', so the name splits
// into exactly three fields; the container ID is whatever follows the last
// '-' of the third.
func ParseFileName(path string) (PodRef, error) {
	name := filepath.Base(path)
	stem, ok := strings.CutSuffix(name, ".log")
	if !ok {
		return PodRef{}, &ParseError{Name: name, Reason: "missing .log suffix"}
	}

	fields := strings.Split(stem, "_")
	if len(fields) != 3 {
		return PodRef{}, &ParseError{Name: name, Reason: fmt.Sprintf("want 3 '_'-separated fields, got %d", len(fields))}
	}

	i := strings.LastIndexByte(fields[2], '-')
	if i < 0 {
		return PodRef{}, &ParseError{Name: name, Reason: "no container ID"}
	}
	ref := PodRef{
		Pod:         fields[0],
		Namespace:   fields[1],
		Container:   fields[2][:i],
		ContainerID: fields[2][i+1:],
	}
	if ref.Pod == "" || ref.Namespace == "" || ref.Container == "" || ref.ContainerID == "" {
		return PodRef{}, &ParseError{Name: name, Reason: "empty field"}
	}
	return ref, nil
}
