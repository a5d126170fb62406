package trigger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/guardcam/protection-server/internal/protect"
)

type fakeArmer struct {
	armed    bool
	armCalls int
	failArm  bool
}

func (f *fakeArmer) Arm(time.Time) (protect.ArmResult, error) {
	f.armCalls++
	if f.failArm {
		return protect.ArmResult{}, errors.New("nothing in view")
	}
	f.armed = true
	return protect.ArmResult{ObjectCount: 2}, nil
}

func (f *fakeArmer) Disarm()     { f.armed = false }
func (f *fakeArmer) Armed() bool { return f.armed }

func TestFirstTagArmsLastTagDisarms(t *testing.T) {
	armer := &fakeArmer{}
	tr := New(Config{BrokerURL: "tcp://unused:1883"}, armer)

	tr.handleTag("tag-a")
	assert.True(t, armer.armed, "first tag must arm")
	assert.Equal(t, 1, armer.armCalls)

	tr.handleTag("tag-b")
	assert.Equal(t, 1, armer.armCalls, "second tag must not re-arm")

	tr.handleTag("tag-a")
	assert.True(t, armer.armed, "one tag still registered")

	tr.handleTag("tag-b")
	assert.False(t, armer.armed, "last tag removed must disarm")
}

func TestTagTogglesRegistration(t *testing.T) {
	armer := &fakeArmer{}
	tr := New(Config{}, armer)

	tr.handleTag("tag-a") // register, arm
	tr.handleTag("tag-a") // remove, disarm
	assert.False(t, armer.armed)

	tr.handleTag("tag-a") // same tag arms again
	assert.True(t, armer.armed)
	assert.Equal(t, 2, armer.armCalls)
}

func TestEmptyPayloadIgnored(t *testing.T) {
	armer := &fakeArmer{}
	tr := New(Config{}, armer)
	tr.handleTag("")
	assert.Equal(t, 0, armer.armCalls)
	assert.Equal(t, 0, tr.presence.count())
}

func TestReassertRearmsWhileTagsPresent(t *testing.T) {
	armer := &fakeArmer{failArm: true}
	tr := New(Config{}, armer)

	// Tag presented with nothing in view: arm fails, tag stays registered.
	tr.handleTag("tag-a")
	assert.False(t, armer.armed)
	assert.Equal(t, 1, tr.presence.count())

	// Objects appear later: the periodic re-assert recovers.
	armer.failArm = false
	tr.reassert()
	assert.True(t, armer.armed)

	// Armed and registered: re-assert is a no-op.
	calls := armer.armCalls
	tr.reassert()
	assert.Equal(t, calls, armer.armCalls)
}

func TestReassertIdleWithoutTags(t *testing.T) {
	armer := &fakeArmer{}
	tr := New(Config{}, armer)
	tr.reassert()
	assert.Equal(t, 0, armer.armCalls)
}
