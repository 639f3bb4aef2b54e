package retry

import (
	"testing"
	"time"

	"github.com/yansir/cc-relayer/internal/canon"
)

func TestClassify401And403FixedDelayRotate(t *testing.T) {
	for _, status := range []int{401, 403} {
		s := Classify(status, "", false, "")
		if s.Kind != canon.RetryFixedDelay || s.Delay != fixedDelay || !s.Rotate {
			t.Fatalf("Classify(%d) = %+v", status, s)
		}
	}
}

func TestClassify429HonorsRetryAfterSeconds(t *testing.T) {
	s := Classify(429, "", false, "5")
	if s.Kind != canon.RetryAfterHeader || s.Delay != 5*time.Second || !s.Rotate {
		t.Fatalf("Classify(429, retry-after=5) = %+v", s)
	}
}

func TestClassify429WithoutRetryAfterBacksOff(t *testing.T) {
	s := Classify(429, "", false, "")
	if s.Kind != canon.RetryExponentialBackoff || !s.Rotate {
		t.Fatalf("Classify(429) = %+v", s)
	}
}

func TestClassify400SignatureRecoveryDoesNotRotate(t *testing.T) {
	s := Classify(400, `{"error":"Invalid `+"`signature`"+` detected"}`, false, "")
	if !s.SignatureRecovery || s.Rotate {
		t.Fatalf("Classify(400, signature body) = %+v, want SignatureRecovery and no rotate", s)
	}
	if s.Kind != canon.RetryFixedDelay || s.Delay != 0 {
		t.Fatalf("Classify(400, signature body) kind/delay = %+v", s)
	}
}

func TestClassify400WithoutSignatureIsTerminal(t *testing.T) {
	s := Classify(400, "bad request: missing field", false, "")
	if s.Kind != canon.RetryNone || s.Rotate || s.SignatureRecovery {
		t.Fatalf("Classify(400, plain) = %+v", s)
	}
}

func TestClassify404IsTerminal(t *testing.T) {
	s := Classify(404, "", false, "")
	if s.Kind != canon.RetryNone {
		t.Fatalf("Classify(404) = %+v", s)
	}
}

func TestClassifyNetworkFailureBacksOff(t *testing.T) {
	s := Classify(0, "", false, "")
	if s.Kind != canon.RetryExponentialBackoff || !s.Rotate {
		t.Fatalf("Classify(0) = %+v", s)
	}
}

func TestClassify529BacksOffLikeOverload(t *testing.T) {
	s := Classify(529, "", false, "")
	if s.Kind != canon.RetryExponentialBackoff || !s.Rotate {
		t.Fatalf("Classify(529) = %+v", s)
	}
}

func TestMarksRateLimit(t *testing.T) {
	cases := map[int]bool{429: true, 500: true, 503: true, 529: true, 400: false, 404: false, 200: false}
	for status, want := range cases {
		if got := MarksRateLimit(status); got != want {
			t.Errorf("MarksRateLimit(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestShouldRotate(t *testing.T) {
	cases := map[int]bool{401: true, 403: true, 429: true, 500: true, 503: true, 529: true, 400: false, 404: false}
	for status, want := range cases {
		if got := ShouldRotate(status); got != want {
			t.Errorf("ShouldRotate(%d) = %v, want %v", status, got, want)
		}
	}
}
