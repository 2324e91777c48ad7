package softsync

import (
	"errors"
	"fmt"
	"testing"

	"gitlab.com/stephen-fox/smashkit/invariant"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testController() Controller {
	return Controller{
		Target:          2.5,
		Epsilon:         0.02,
		InitialBusyWork: 1000,
		InitialStep:     100,
		MinStep:         20,
		Shrink:          0.8,
		MaxIterations:   200,
	}
}

func TestController_Run(t *testing.T) {
	var steps []Step
	c := testController()
	c.OptOnStep = func(s Step) {
		steps = append(steps, s)
	}

	result, err := c.Run(func(busyWork int) (float64, error) {
		return 3.3 - 0.0005*float64(busyWork), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if !result.Locked {
		t.Fatalf("expected the loop to lock - got %+v", result)
	}

	if result.Iterations != 20 {
		t.Fatalf("expected 20 iterations - got %d", result.Iterations)
	}

	if result.BusyWork != 1556 || result.Ratio != 2.52 {
		t.Fatalf("expected (1556, 2.52) - got (%d, %.2f)", result.BusyWork, result.Ratio)
	}

	if len(steps) != len(result.Trace) {
		t.Fatalf("expected %d step callbacks - got %d", len(result.Trace), len(steps))
	}

	expDeltas := []int{80, 64, 51, 41, 33, 26, 21, 20, 20}
	for i, exp := range expDeltas {
		delta := result.Trace[i+1].BusyWork - result.Trace[i].BusyWork
		if delta != exp {
			t.Fatalf("step %d: expected delta %d - got %d", i, exp, delta)
		}
	}
}

func TestController_Run_ClampsAtZero(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	c := testController()
	c.OptLogger = zap.New(core)

	result, err := c.Run(func(int) (float64, error) {
		return 2.2, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.Locked {
		t.Fatalf("expected the loop not to lock")
	}

	if result.BusyWork != 0 {
		t.Fatalf("expected busy work to be clamped to 0 - got %d", result.BusyWork)
	}

	if result.Iterations != 42 {
		t.Fatalf("expected 42 iterations - got %d", result.Iterations)
	}

	if logs.Len() != 1 {
		t.Fatalf("expected one warning - got %d", logs.Len())
	}
}

func TestController_Run_MaxIterations(t *testing.T) {
	c := testController()
	c.MaxIterations = 5

	calls := 0
	result, err := c.Run(func(busyWork int) (float64, error) {
		calls++
		// Alternates around the target without ever locking.
		if calls%2 == 0 {
			return 2.3, nil
		}
		return 2.7, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.Locked || result.Iterations != 5 || calls != 5 {
		t.Fatalf("expected 5 unlocked iterations - got %+v after %d calls", result, calls)
	}
}

func TestController_Run_BenchError(t *testing.T) {
	benchErr := errors.New("bench failed")

	_, err := testController().Run(func(int) (float64, error) {
		return 0, benchErr
	})
	if !errors.Is(err, benchErr) {
		t.Fatalf("expected bench error - got %v", err)
	}
}

func TestController_Validate(t *testing.T) {
	c := testController()
	c.MinStep = 0

	_, err := c.Run(func(int) (float64, error) {
		return 2.5, nil
	})
	if !invariant.Is(err) {
		t.Fatalf("expected an invariant violation - got %v", err)
	}
}

func TestLocked(t *testing.T) {
	type testCase struct {
		ratio float64
		exp   bool
	}

	for _, tc := range []testCase{
		{ratio: 3.00, exp: true},
		{ratio: 2.98, exp: true},
		{ratio: 2.52, exp: true},
		{ratio: 2.47, exp: false},
		{ratio: 2.80, exp: false},
		{ratio: 1.51, exp: true},
	} {
		if Locked(tc.ratio, 0.02) != tc.exp {
			t.Fatalf("ratio %.2f: expected locked %t", tc.ratio, tc.exp)
		}
	}
}

func ExampleRound() {
	fmt.Println(Round(2.7249), Round(2.7251))
	// Output: 2.72 2.73
}
