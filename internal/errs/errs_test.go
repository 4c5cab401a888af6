package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetriableAndTransientArePartitioned(t *testing.T) {
	// CreditExhausted must be transient but never retriable: retrying
	// locally would burn the cool-down the worker main loop relies on.
	if KindCreditExhausted.Retriable() {
		t.Fatal("CreditExhausted must not be retriable")
	}
	if !KindCreditExhausted.Transient() {
		t.Fatal("CreditExhausted must be transient")
	}

	for _, k := range []Kind{KindTimeout, KindNonZeroExit, KindAgentOutputMalformed, KindAgentReportedError} {
		if !k.Retriable() {
			t.Errorf("%s should be retriable", k)
		}
		if k.Transient() {
			t.Errorf("%s should not be transient", k)
		}
	}

	for _, k := range []Kind{KindSilentPhaseFailure, KindWorkflowRejected, KindFatalStartup} {
		if k.Retriable() || k.Transient() {
			t.Errorf("%s should be neither retriable nor transient", k)
		}
	}
}

func TestAsUnwrapsThroughWrappedChains(t *testing.T) {
	inner := Wrap(KindPushFailure, "remote rejected", errors.New("exit status 1"))
	wrapped := fmt.Errorf("publishing: %w", inner)

	te, ok := As(wrapped)
	if !ok {
		t.Fatal("As should find the TaskError through fmt.Errorf wrapping")
	}
	if te.Kind != KindPushFailure || te.Detail != "remote rejected" {
		t.Fatalf("unexpected TaskError: %+v", te)
	}

	if _, ok := As(errors.New("plain")); ok {
		t.Fatal("As should not match a plain error")
	}
}
