package supervisor

import (
	"errors"
	"testing"

	"github.com/jfoltran/pgcopydb/internal/copier"
	"github.com/jfoltran/pgcopydb/internal/pgerr"
)

func TestClassifyExit(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"configuration", pgerr.ErrConfiguration, ExitBadArguments},
		{"wrapped configuration", errors.Join(errors.New("boom"), pgerr.ErrConfiguration), ExitBadArguments},
		{"connectivity", pgerr.ErrConnectivity, ExitUnreachable},
		{"other", errors.New("disk full"), ExitInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyExit(tc.err); got != tc.want {
				t.Errorf("ClassifyExit(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestFirstErr_ReturnsNilWhenAllSucceed(t *testing.T) {
	results := []copier.Result{{}, {}, {}}
	if err := firstErr(results, func(r copier.Result) error { return r.Err }); err != nil {
		t.Errorf("firstErr() = %v, want nil", err)
	}
}

func TestFirstErr_JoinsAllFailures(t *testing.T) {
	errA := errors.New("unit a failed")
	errB := errors.New("unit b failed")
	results := []copier.Result{{Err: errA}, {}, {Err: errB}}
	err := firstErr(results, func(r copier.Result) error { return r.Err })
	if err == nil {
		t.Fatal("firstErr() = nil, want joined error")
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("firstErr() = %v, want it to wrap both unit errors", err)
	}
}
