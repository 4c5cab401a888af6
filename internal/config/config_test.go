package config

import "testing"

func validConfig() Config {
	cfg := Defaults()
	cfg.Platform.Repositories = []string{"acme/widgets"}
	cfg.Platform.Token = "ghp_test"
	cfg.Workspace.Root = "/srv/workspaces"
	cfg.DBPath = "state.db"
	cfg.LogDir = "logs"
	cfg.JWTSigningKey = "a-signing-key"
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsAutoMergeOnApproval(t *testing.T) {
	cfg := validConfig()
	cfg.Workflow.AutoMergeOnApproval = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when auto_merge_on_approval is true")
	}
}

func TestValidateRejectsShortTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.CLI.TimeoutSeconds = 30
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for timeout_seconds < 60")
	}
}

func TestValidateRejectsNegativeMaxRevisions(t *testing.T) {
	cfg := validConfig()
	cfg.Workflow.MaxRevisions = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative max_revisions")
	}
}

func TestValidateRejectsMissingToken(t *testing.T) {
	cfg := validConfig()
	cfg.Platform.Token = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for missing platform token")
	}
}

func TestValidateRejectsMissingWorkspaceRoot(t *testing.T) {
	cfg := validConfig()
	cfg.Workspace.Root = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for missing workspace root")
	}
}
