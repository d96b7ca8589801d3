package challenge

import (
	"testing"

	"github.com/dyshay/agentauth/crypto"
)

type stubDriver struct {
	name string
	dims []Dimension
}

func (d *stubDriver) Name() string            { return d.name }
func (d *stubDriver) Dimensions() []Dimension { return d.dims }

func (d *stubDriver) Generate(Difficulty) (*Payload, error) {
	return &Payload{Type: d.name, Instructions: "stub"}, nil
}

func (d *stubDriver) Solve(*Payload) (string, error) { return "answer", nil }

func (d *stubDriver) ComputeAnswerHash(*Payload) (string, error) {
	return crypto.SHA256Hex([]byte("answer")), nil
}

func (d *stubDriver) Verify(hash string, submitted any) bool {
	return verifyAnswer(hash, submitted)
}

func (d *stubDriver) EstimatedHumanTimeMs() int64 { return 60000 }
func (d *stubDriver) EstimatedAITimeMs() int64    { return 500 }

func TestRegistryRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubDriver{name: "a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&stubDriver{name: "a"}); err == nil {
		t.Error("duplicate registration did not error")
	}
	if got := len(r.Names()); got != 1 {
		t.Errorf("registry has %d drivers after duplicate register, want 1", got)
	}
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	d := &stubDriver{name: "a"}
	if err := r.Register(d); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := r.Get("a"); got != Driver(d) {
		t.Error("Get returned a different driver")
	}
	if got := r.Get("missing"); got != nil {
		t.Error("Get for an unknown name returned a driver")
	}
}

func TestRegistryNamesOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		if err := r.Register(&stubDriver{name: name}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	names := r.Names()
	want := []string{"c", "a", "b"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
}

func TestRegistrySelectInsertionOrder(t *testing.T) {
	r := NewDefaultRegistry()

	drivers, err := r.Select(nil, 2)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(drivers) != 2 {
		t.Fatalf("Select returned %d drivers, want 2", len(drivers))
	}
	if drivers[0].Name() != TypeCryptoNL || drivers[1].Name() != TypeMultiStep {
		t.Errorf("Select(nil, 2) = [%s %s], want registration order", drivers[0].Name(), drivers[1].Name())
	}
}

func TestRegistrySelectByDimension(t *testing.T) {
	r := NewDefaultRegistry()

	tests := []struct {
		dims []Dimension
		want string
	}{
		{[]Dimension{DimensionMemory}, TypeMultiStep},
		{[]Dimension{DimensionAmbiguity}, TypeAmbiguousLogic},
		{[]Dimension{DimensionReasoning, DimensionExecution, DimensionMemory}, TypeMultiStep},
		// Every driver covers reasoning; the tie resolves to registration
		// order.
		{[]Dimension{DimensionReasoning}, TypeCryptoNL},
	}
	for _, tt := range tests {
		drivers, err := r.Select(tt.dims, 1)
		if err != nil {
			t.Fatalf("Select(%v): %v", tt.dims, err)
		}
		if drivers[0].Name() != tt.want {
			t.Errorf("Select(%v) = %s, want %s", tt.dims, drivers[0].Name(), tt.want)
		}
	}
}

func TestRegistrySelectDeterministic(t *testing.T) {
	r := NewDefaultRegistry()
	dims := []Dimension{DimensionReasoning, DimensionExecution}

	first, err := r.Select(dims, 4)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := r.Select(dims, 4)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		for j := range first {
			if again[j].Name() != first[j].Name() {
				t.Fatalf("selection order changed between calls: %s vs %s at %d",
					again[j].Name(), first[j].Name(), j)
			}
		}
	}
}

func TestRegistrySelectBounds(t *testing.T) {
	r := NewDefaultRegistry()

	all, err := r.Select(nil, 99)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("Select(nil, 99) returned %d drivers, want 4", len(all))
	}

	if _, err := r.Select(nil, 0); err == nil {
		t.Error("Select with count 0 did not error")
	}
	if _, err := NewRegistry().Select(nil, 1); err == nil {
		t.Error("Select on an empty registry did not error")
	}
}
