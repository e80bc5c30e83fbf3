package sqlite

import (
	"context"
	"testing"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
)

func TestNextChildNumberMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.NextChildNumber(ctx, "el-parent")
		if err != nil {
			t.Fatalf("NextChildNumber failed: %v", err)
		}
		if n != want {
			t.Errorf("Expected child number %d, got %d", want, n)
		}
	}

	// Counters are per parent.
	n, err := s.NextChildNumber(ctx, "el-otherparent")
	if err != nil {
		t.Fatalf("NextChildNumber failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected fresh parent to start at 1, got %d", n)
	}
}

func TestAllocateChildID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, newTask("el-wf", "Parent"))

	id, err := s.AllocateChildID(ctx, "el-wf")
	if err != nil {
		t.Fatalf("AllocateChildID failed: %v", err)
	}
	if id != "el-wf.1" {
		t.Errorf("Expected el-wf.1, got %s", id)
	}

	id, err = s.AllocateChildID(ctx, "el-wf")
	if err != nil {
		t.Fatalf("AllocateChildID failed: %v", err)
	}
	if id != "el-wf.2" {
		t.Errorf("Expected el-wf.2, got %s", id)
	}
}

func TestAllocateChildIDParentMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AllocateChildID(context.Background(), "el-ghost")
	if !apperrors.IsNotFound(err) {
		t.Errorf("Expected NOT_FOUND for missing parent, got %v", err)
	}

	_, err = s.AllocateChildID(context.Background(), "bogus id")
	if !apperrors.IsCode(err, apperrors.CodeInvalidID) {
		t.Errorf("Expected INVALID_ID, got %v", err)
	}
}

func TestChildNumbersNeverReused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, newTask("el-root", "Parent"))

	first, err := s.AllocateChildID(ctx, "el-root")
	if err != nil {
		t.Fatalf("AllocateChildID failed: %v", err)
	}
	mustCreate(t, s, newTask(first, "Child"))
	if err := s.Delete(ctx, first, "el-tester", "remove child"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	second, err := s.AllocateChildID(ctx, "el-root")
	if err != nil {
		t.Fatalf("AllocateChildID failed: %v", err)
	}
	if second == first {
		t.Errorf("Expected a fresh child number after deletion, got %s twice", first)
	}
	if second != "el-root.2" {
		t.Errorf("Expected el-root.2, got %s", second)
	}
}
