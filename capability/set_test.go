package capability

import (
	"sync"
	"testing"
)

func TestAuthorizeFirstMatch(t *testing.T) {
	set := NewSet(
		NewCapability("transfer", Le("amount", 100)),
		NewCapability("transfer", Le("amount", 1000)),
	)
	c, denial := set.Authorize("transfer", map[string]interface{}{"amount": 500.0})
	if denial != nil {
		t.Fatalf("second capability should admit amount 500: %v", denial)
	}
	if c.Constraints[0].String() != Le("amount", 1000).String() {
		t.Errorf("expected the wider capability to win, got %v", c.Constraints)
	}

	// When both match, the first in construction order wins.
	c, denial = set.Authorize("transfer", map[string]interface{}{"amount": 50.0})
	if denial != nil {
		t.Fatalf("unexpected denial: %v", denial)
	}
	if c.Constraints[0].String() != Le("amount", 100).String() {
		t.Errorf("first matching capability should win, got %v", c.Constraints)
	}
}

func TestAuthorizeDenialKinds(t *testing.T) {
	one := uint64(1)
	set := NewSet(MethodCapability{
		Pattern:     "transfer",
		Constraints: ConstraintSet{Le("amount", 1000), Eq("currency", "USD")},
		MaxCalls:    &one,
	})

	_, denial := set.Authorize("delete_everything", nil)
	if denial == nil || denial.Kind != DenialNotAuthorized {
		t.Fatalf("unknown method should be not_authorized, got %v", denial)
	}

	_, denial = set.Authorize("transfer", map[string]interface{}{"amount": 5000.0, "currency": "USD"})
	if denial == nil || denial.Kind != DenialConstraint {
		t.Fatalf("violated constraint should deny with constraint kind, got %v", denial)
	}
	if denial.Violation == nil || denial.Violation.Path != "amount" {
		t.Errorf("denial should carry the amount violation, got %v", denial.Violation)
	}

	ok := map[string]interface{}{"amount": 10.0, "currency": "USD"}
	if _, denial := set.AuthorizeAndCharge("transfer", ok); denial != nil {
		t.Fatalf("first charge should pass: %v", denial)
	}
	_, denial = set.Authorize("transfer", ok)
	if denial == nil || denial.Kind != DenialBudgetExhausted {
		t.Fatalf("exhausted budget should deny with budget_exhausted, got %v", denial)
	}
}

func TestAuthorizeDoesNotCharge(t *testing.T) {
	set := NewSet(NewBudgetedCapability("ping", 2))
	for i := 0; i < 10; i++ {
		if _, denial := set.Authorize("ping", nil); denial != nil {
			t.Fatalf("authorize must never consume budget, denied at %d: %v", i, denial)
		}
	}
	n, bounded, err := set.Remaining("cap:method:ping")
	if err != nil || !bounded || n != 2 {
		t.Errorf("Remaining = (%d, %v, %v), want (2, true, nil)", n, bounded, err)
	}
}

func TestAuthorizeAndChargeRace(t *testing.T) {
	set := NewSet(NewBudgetedCapability("ping", 2))
	var wg sync.WaitGroup
	granted := make(chan struct{}, 8)
	denied := make(chan *Denial, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, d := set.AuthorizeAndCharge("ping", nil); d == nil {
				granted <- struct{}{}
			} else {
				denied <- d
			}
		}()
	}
	wg.Wait()
	close(granted)
	close(denied)
	if len(granted) != 2 {
		t.Errorf("exactly 2 of 8 racing calls should be granted, got %d", len(granted))
	}
	for d := range denied {
		if d.Kind != DenialBudgetExhausted {
			t.Errorf("losers must be denied budget_exhausted, got %v", d.Kind)
		}
	}
}

func TestForTools(t *testing.T) {
	set := ForTools([]string{"read_file", "write_file"}, 5)
	if _, denial := set.Authorize("read_file", nil); denial != nil {
		t.Errorf("listed tool should be authorized: %v", denial)
	}
	if _, denial := set.Authorize("rm_rf", nil); denial == nil {
		t.Error("unlisted tool should be denied")
	}
	n, bounded, err := set.Remaining("cap:method:write_file")
	if err != nil || !bounded || n != 5 {
		t.Errorf("Remaining = (%d, %v, %v), want (5, true, nil)", n, bounded, err)
	}
}

func TestRemainingUnlimitedAndUnknown(t *testing.T) {
	set := NewSet(NewCapability("ping"))
	_, bounded, err := set.Remaining("cap:method:ping")
	if err != nil || bounded {
		t.Errorf("unlimited capability: bounded=%v err=%v, want false, nil", bounded, err)
	}
	if _, _, err := set.Remaining("cap:method:nope"); err == nil {
		t.Error("unknown key should return an error")
	}
}

func TestCapabilitiesSnapshot(t *testing.T) {
	set := NewSet(NewBudgetedCapability("ping", 3))
	snap := set.Capabilities()
	if len(snap) != 1 {
		t.Fatalf("expected 1 capability, got %d", len(snap))
	}
	if n, bounded := snap[0].Remaining(); !bounded || n != 3 {
		t.Errorf("snapshot remaining = (%d, %v), want (3, true)", n, bounded)
	}
	set.AuthorizeAndCharge("ping", nil)
	if n, _ := snap[0].Remaining(); n != 3 {
		t.Error("snapshot must not observe later charges")
	}
}

func TestAttenuate(t *testing.T) {
	ten := uint64(10)
	parent := NewSet(MethodCapability{
		Pattern:     "data/**",
		Constraints: ConstraintSet{Eq("region", "us")},
		MaxCalls:    &ten,
	})

	three := uint64(3)
	child, err := parent.Attenuate([]MethodCapability{{
		Pattern:     "data/users/read",
		Constraints: ConstraintSet{Eq("region", "us"), Le("limit", 100)},
		MaxCalls:    &three,
	}})
	if err != nil {
		t.Fatalf("valid attenuation rejected: %v", err)
	}
	if _, denial := child.Authorize("data/users/read", map[string]interface{}{"region": "us", "limit": 10.0}); denial != nil {
		t.Errorf("attenuated set should authorize narrowed call: %v", denial)
	}
	if _, denial := child.Authorize("data/users/write", map[string]interface{}{"region": "us"}); denial == nil {
		t.Error("attenuated set must not authorize beyond its pattern")
	}

	// widened pattern
	if _, err := parent.Attenuate([]MethodCapability{NewCapability("**")}); err == nil {
		t.Error("attenuation widening the pattern must fail")
	}
	// dropped parent constraint
	if _, err := parent.Attenuate([]MethodCapability{NewBudgetedCapability("data/users/read", 1)}); err == nil {
		t.Error("attenuation dropping a parent constraint must fail")
	}
	// budget above parent remaining
	if _, err := parent.Attenuate([]MethodCapability{{
		Pattern:     "data/users/read",
		Constraints: ConstraintSet{Eq("region", "us")},
		MaxCalls:    func() *uint64 { n := uint64(11); return &n }(),
	}}); err == nil {
		t.Error("attenuation exceeding the parent budget must fail")
	}
	// unlimited child of a bounded parent
	if _, err := parent.Attenuate([]MethodCapability{{
		Pattern:     "data/users/read",
		Constraints: ConstraintSet{Eq("region", "us")},
	}}); err == nil {
		t.Error("unlimited child of a bounded parent must fail")
	}

	// attenuation never mutates the parent
	if n, _, _ := parent.Remaining("cap:method:data/**"); n != 10 {
		t.Errorf("parent budget changed by attenuation: %d", n)
	}
}
