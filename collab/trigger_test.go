package collab

import (
	"context"
	"testing"
)

type recordingTrigger struct {
	events []Action
	veto   Action
}

func (r *recordingTrigger) OnEvent(ctx context.Context, action Action, id, data []byte, errFlag bool) (Verdict, error) {
	r.events = append(r.events, action)
	if action == r.veto {
		return Veto, nil
	}
	return Permit, nil
}

func TestNopTriggerAlwaysPermits(t *testing.T) {
	var tr NopTrigger
	v, err := tr.OnEvent(context.Background(), PreWrite, []byte("K"), []byte("v"), false)
	if err != nil || v != Permit {
		t.Fatalf("expected Permit, got %v err %v", v, err)
	}
}

func TestTriggerCanVetoAnAction(t *testing.T) {
	tr := &recordingTrigger{veto: PreDelete}
	v, err := tr.OnEvent(context.Background(), PreDelete, []byte("K"), nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if v != Veto {
		t.Fatalf("expected Veto, got %v", v)
	}
	if len(tr.events) != 1 || tr.events[0] != PreDelete {
		t.Fatalf("expected PreDelete recorded, got %v", tr.events)
	}
}
