package reli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/loykin/unitd/internal/store"
)

// FrameKind names the component that was in the middle of an operation.
type FrameKind uint32

const (
	FrameQueue FrameKind = iota
	FrameJobRun
	FrameNotify
	FrameSigChld
	FrameCgEvent
	FrameCmdOp
	FrameSubManager
	FrameOtherEvent
	FrameManagerOp
)

var frameNames = [...]string{
	"queue", "job-run", "notify", "sigchld", "cg-event", "cmd-op", "sub-manager", "other-event", "manager-op",
}

func (k FrameKind) String() string {
	if int(k) < len(frameNames) {
		return frameNames[k]
	}
	return "frame-" + strconv.FormatUint(uint64(k), 10)
}

// Frame is the "operation in flight" marker: a component kind plus up to two
// component specific sub tags.
type Frame struct {
	Kind FrameKind `json:"kind"`
	Sub1 *uint32   `json:"sub1,omitempty"`
	Sub2 *uint32   `json:"sub2,omitempty"`
}

// NewFrame builds a frame with the given sub tags (at most two are kept).
func NewFrame(kind FrameKind, subs ...uint32) Frame {
	f := Frame{Kind: kind}
	if len(subs) > 0 {
		v := subs[0]
		f.Sub1 = &v
	}
	if len(subs) > 1 {
		v := subs[1]
		f.Sub2 = &v
	}
	return f
}

// Arg1 returns the first sub tag.
func (f Frame) Arg1() (uint32, bool) {
	if f.Sub1 == nil {
		return 0, false
	}
	return *f.Sub1, true
}

// Arg2 returns the second sub tag.
func (f Frame) Arg2() (uint32, bool) {
	if f.Sub2 == nil {
		return 0, false
	}
	return *f.Sub2, true
}

// Is reports whether f has the given kind and, when given, matching leading
// sub tags.
func (f Frame) Is(kind FrameKind, subs ...uint32) bool {
	if f.Kind != kind {
		return false
	}
	args := []*uint32{f.Sub1, f.Sub2}
	for i, s := range subs {
		if i >= len(args) || args[i] == nil || *args[i] != s {
			return false
		}
	}
	return true
}

func (f Frame) String() string {
	s := f.Kind.String()
	if a, ok := f.Arg1(); ok {
		s += "/" + strconv.FormatUint(uint64(a), 10)
	}
	if a, ok := f.Arg2(); ok {
		s += "/" + strconv.FormatUint(uint64(a), 10)
	}
	return s
}

// Last is what recovery hands to every station: the persisted frame and unit
// markers, each possibly absent.
type Last struct {
	Frame *Frame
	Unit  string
}

// Empty reports whether no operation was in flight.
func (l Last) Empty() bool { return l.Frame == nil && l.Unit == "" }

// control rows live in data.db beside the generations; they are written
// immediately and never go through the history double buffer.
const (
	controlTable = "control"
	keyEnable    = "enable"
	keyLastUnit  = "last-unit"
	keyLastFrame = "last-frame"
)

type control struct {
	db *store.DB
}

func (c *control) put(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tx, err := c.db.Begin(context.Background())
	if err != nil {
		return err
	}
	if err := tx.Put(controlTable, key, b); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *control) del(key string) error {
	tx, err := c.db.Begin(context.Background())
	if err != nil {
		return err
	}
	if err := tx.Delete(controlTable, key); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *control) get(key string, v any) (bool, error) {
	b, ok, err := c.db.Get(context.Background(), controlTable, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode control %s: %w", key, err)
	}
	return true, nil
}

func (c *control) clearAll() error {
	tx, err := c.db.Begin(context.Background())
	if err != nil {
		return err
	}
	if err := tx.Clear(controlTable); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
