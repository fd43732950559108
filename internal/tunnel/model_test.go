package tunnel

import (
	"errors"
	"testing"
)

func TestDefinitionValidate(t *testing.T) {
	base := Definition{
		ID:      "t1",
		Mode:    ModeDirect,
		SSHHost: "127.0.0.1",
		SSHPort: 22,
		SSHUser: "user",
		Auth:    Auth{Kind: AuthPassword, Password: "secret"},

		LocalPort:  15432,
		TargetHost: "10.0.0.5",
		TargetPort: 5432,
	}

	tests := []struct {
		name    string
		mutate  func(d Definition) Definition
		wantErr bool
	}{
		{"valid direct", func(d Definition) Definition { return d }, false},
		{"missing id", func(d Definition) Definition { d.ID = ""; return d }, true},
		{"ssh port zero", func(d Definition) Definition { d.SSHPort = 0; return d }, true},
		{"ssh port too big", func(d Definition) Definition { d.SSHPort = 65536; return d }, true},
		{"local port zero", func(d Definition) Definition { d.LocalPort = 0; return d }, true},
		{"local port too big", func(d Definition) Definition { d.LocalPort = 70000; return d }, true},
		{"direct missing target host", func(d Definition) Definition { d.TargetHost = ""; return d }, true},
		{"direct missing target port", func(d Definition) Definition { d.TargetPort = 0; return d }, true},
		{"unknown mode", func(d Definition) Definition { d.Mode = "bogus"; return d }, true},
		{"unknown auth kind", func(d Definition) Definition { d.Auth.Kind = "bogus"; return d }, true},
		{
			"valid container",
			func(d Definition) Definition {
				d.Mode = ModeContainer
				d.TargetHost, d.TargetPort = "", 0
				d.ContainerName, d.ContainerPort = "web", 80
				return d
			},
			false,
		},
		{
			"container missing name",
			func(d Definition) Definition {
				d.Mode = ModeContainer
				d.TargetHost, d.TargetPort = "", 0
				d.ContainerPort = 80
				return d
			},
			true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.mutate(base).Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected an error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if tc.wantErr && !errors.Is(err, ErrConfig) {
				t.Errorf("expected error to wrap ErrConfig, got %v", err)
			}
		})
	}
}

func TestLifecycleStateString(t *testing.T) {
	if got := (LifecycleState{Kind: Stopped}).String(); got != "stopped" {
		t.Errorf("Stopped.String() = %q", got)
	}
	if got := (LifecycleState{Kind: Error, Message: "boom"}).String(); got != "error: boom" {
		t.Errorf("Error.String() = %q, want %q", got, "error: boom")
	}
}

func TestLifecycleKindStringUnknown(t *testing.T) {
	if got := LifecycleKind(99).String(); got != "unknown" {
		t.Errorf("unknown kind String() = %q, want %q", got, "unknown")
	}
}
