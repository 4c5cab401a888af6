package workspace

import "testing"

func TestValidateBranchName(t *testing.T) {
	valid := []string{"architect", "security", "tester", "feature/issue-42", "fix_bug-12"}
	for _, name := range valid {
		if err := ValidateBranchName(name); err != nil {
			t.Errorf("ValidateBranchName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{
		"",
		".hidden",
		"has..dotdot",
		"trailing/",
		"double//slash",
		"ref@{1}",
		"semi;colon",
		"pipe|char",
		"dollar$sign",
		"back`tick",
		"space name",
	}
	for _, name := range invalid {
		if err := ValidateBranchName(name); err == nil {
			t.Errorf("ValidateBranchName(%q) = nil, want error", name)
		}
	}
}

func TestSanitizeCommitMessageStripsNullAndControl(t *testing.T) {
	in := "feat: add thing\x00 with \x01control\x07 chars\nsecond line"
	out := SanitizeCommitMessage(in)
	for _, r := range out {
		if r == 0 {
			t.Fatal("sanitized message still contains a null byte")
		}
		if r < 32 && r != '\n' {
			t.Fatalf("sanitized message contains control rune %d", r)
		}
	}
	if out != "feat: add thing with control chars\nsecond line" {
		t.Fatalf("unexpected sanitized message: %q", out)
	}
}

func TestSanitizeCommitMessageCapsLength(t *testing.T) {
	long := make([]byte, maxCommitMessageLength+500)
	for i := range long {
		long[i] = 'a'
	}
	out := SanitizeCommitMessage(string(long))
	if len(out) != maxCommitMessageLength {
		t.Fatalf("expected length %d, got %d", maxCommitMessageLength, len(out))
	}
}
