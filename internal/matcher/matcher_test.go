package matcher

import (
	"testing"
	"time"

	"github.com/cuelinelabs/cueline-core/internal/config"
	"github.com/cuelinelabs/cueline-core/internal/script"
)

func testConfig() config.MatcherConfig {
	return config.MatcherConfig{
		TailWindowWords:   16,
		ConfirmWindowMS:   500,
		PerAnchorCooldown: 1200,
		GlobalCooldown:    400,
	}
}

func childhoodAnchor() script.Anchor {
	return script.NewAnchor("childhood", "now let me tell you about my childhood", true)
}

func TestSingleObservationNeverFires(t *testing.T) {
	m := New(testConfig(), []script.Anchor{childhoodAnchor()})
	now := time.Now()
	if _, ok := m.Ingest("now let me tell you about my childhood", now); ok {
		t.Fatal("a single perfect match must not fire without confirmation")
	}
}

func TestScenarioTwoPartialsFire(t *testing.T) {
	m := New(testConfig(), []script.Anchor{childhoodAnchor()})
	now := time.Now()
	text := "so anyway now let me tell you about my childhood"
	if _, ok := m.Ingest(text, now); ok {
		t.Fatal("first observation must only record pending state")
	}
	fire, ok := m.Ingest(text, now.Add(300*time.Millisecond))
	if !ok {
		t.Fatal("second identical observation within confirm window must fire")
	}
	if fire.Confidence != 1.0 {
		t.Fatalf("whole-phrase match must score 1.0, got %v", fire.Confidence)
	}
	if fire.Anchor.ID != "childhood" {
		t.Fatalf("unexpected anchor: %s", fire.Anchor.ID)
	}
}

func TestFiresExactlyOnce(t *testing.T) {
	m := New(testConfig(), []script.Anchor{childhoodAnchor()})
	now := time.Now()
	text := "now let me tell you about my childhood"
	m.Ingest(text, now)
	if _, ok := m.Ingest(text, now.Add(200*time.Millisecond)); !ok {
		t.Fatal("expected fire on second observation")
	}
	// Immediately afterwards the per-anchor cooldown suppresses everything.
	for i := 0; i < 5; i++ {
		at := now.Add(time.Duration(250+i*100) * time.Millisecond)
		if _, ok := m.Ingest(text, at); ok {
			t.Fatalf("anchor refired during cooldown at call %d", i)
		}
	}
}

func TestPerAnchorCooldown(t *testing.T) {
	m := New(testConfig(), []script.Anchor{childhoodAnchor()})
	now := time.Now()
	text := "now let me tell you about my childhood"
	m.Ingest(text, now)
	m.Ingest(text, now.Add(100*time.Millisecond)) // fires at t+100ms

	// Still inside the 1.2 s per-anchor cooldown: two qualifying
	// observations must not fire.
	m.Ingest(text, now.Add(600*time.Millisecond))
	if _, ok := m.Ingest(text, now.Add(700*time.Millisecond)); ok {
		t.Fatal("refire inside per-anchor cooldown")
	}

	// Past the cooldown the anchor can fire again after reconfirmation.
	m.Ingest(text, now.Add(1500*time.Millisecond))
	if _, ok := m.Ingest(text, now.Add(1600*time.Millisecond)); !ok {
		t.Fatal("expected refire after cooldown expiry")
	}
}

func TestGlobalCooldownSuppressesOtherAnchors(t *testing.T) {
	other := script.NewAnchor("closer", "that brings me to my closing story", true)
	m := New(testConfig(), []script.Anchor{childhoodAnchor(), other})
	now := time.Now()

	m.Ingest("now let me tell you about my childhood", now)
	m.Ingest("now let me tell you about my childhood", now.Add(100*time.Millisecond))

	// A different anchor inside the 0.4 s global cooldown is suppressed.
	m.Ingest("that brings me to my closing story", now.Add(200*time.Millisecond))
	if _, ok := m.Ingest("that brings me to my closing story", now.Add(300*time.Millisecond)); ok {
		t.Fatal("second anchor fired inside global cooldown")
	}

	// After the global cooldown it fires following fresh confirmation.
	m.Ingest("that brings me to my closing story", now.Add(600*time.Millisecond))
	if _, ok := m.Ingest("that brings me to my closing story", now.Add(700*time.Millisecond)); !ok {
		t.Fatal("second anchor should fire after global cooldown")
	}
}

func TestShortAnchorNeverFiresFuzzily(t *testing.T) {
	short := script.NewAnchor("gonow", "go now", true)
	m := New(testConfig(), []script.Anchor{short})
	now := time.Now()

	// Both words present in order but not contiguously: fuzzy paths must
	// score zero for short anchors.
	text := "go ahead and maybe now we see"
	for i := 0; i < 6; i++ {
		if _, ok := m.Ingest(text, now.Add(time.Duration(i*100)*time.Millisecond)); ok {
			t.Fatal("short anchor fired via fuzzy scoring")
		}
	}

	// An exact whole-phrase hit still works.
	m.Ingest("alright go now please", now.Add(2*time.Second))
	if _, ok := m.Ingest("alright go now please", now.Add(2100*time.Millisecond)); !ok {
		t.Fatal("short anchor must fire on exact whole-phrase match")
	}
}

func TestFuzzyMatchWithGaps(t *testing.T) {
	m := New(testConfig(), []script.Anchor{childhoodAnchor()})
	now := time.Now()
	// One filler word inside the phrase: no whole-phrase hit, but ordered
	// coverage is 8/8 and the longest run is long enough.
	text := "now let me tell you about um my childhood"
	m.Ingest(text, now)
	fire, ok := m.Ingest(text, now.Add(200*time.Millisecond))
	if !ok {
		t.Fatal("expected fuzzy match to fire")
	}
	if fire.Confidence > 0.95 {
		t.Fatalf("fuzzy score must be capped at 0.95, got %v", fire.Confidence)
	}
	if fire.Confidence < 0.78 {
		t.Fatalf("fuzzy score below anchor threshold: %v", fire.Confidence)
	}
}

func TestLowCoverageRejected(t *testing.T) {
	m := New(testConfig(), []script.Anchor{childhoodAnchor()})
	now := time.Now()
	// Only 4 of 8 anchor words appear: below the 0.80 coverage floor.
	text := "now let me tell a completely different joke"
	for i := 0; i < 4; i++ {
		if _, ok := m.Ingest(text, now.Add(time.Duration(i*100)*time.Millisecond)); ok {
			t.Fatal("low-coverage text must not fire")
		}
	}
}

func TestDifferentWinnerReplacesPending(t *testing.T) {
	other := script.NewAnchor("closer", "that brings me to my closing story", true)
	m := New(testConfig(), []script.Anchor{childhoodAnchor(), other})
	now := time.Now()

	m.Ingest("now let me tell you about my childhood", now)
	// A different winner supersedes the pending candidate instead of queuing.
	m.Ingest("that brings me to my closing story", now.Add(100*time.Millisecond))
	// The original candidate now needs two fresh observations again.
	m.Ingest("now let me tell you about my childhood", now.Add(200*time.Millisecond))
	if _, ok := m.Ingest("now let me tell you about my childhood", now.Add(300*time.Millisecond)); !ok {
		t.Fatal("expected fire after fresh two-hit confirmation")
	}
}

func TestPendingExpiresOutsideConfirmWindow(t *testing.T) {
	m := New(testConfig(), []script.Anchor{childhoodAnchor()})
	now := time.Now()
	text := "now let me tell you about my childhood"
	m.Ingest(text, now)
	// Second observation arrives after the 0.5 s confirm window: no fire,
	// the confirmation clock restarts.
	if _, ok := m.Ingest(text, now.Add(800*time.Millisecond)); ok {
		t.Fatal("stale pending state must not confirm")
	}
	if _, ok := m.Ingest(text, now.Add(900*time.Millisecond)); !ok {
		t.Fatal("expected fire after restarted confirmation")
	}
}

func TestTailWindowExcludesOldDialogue(t *testing.T) {
	m := New(testConfig(), []script.Anchor{childhoodAnchor()})
	now := time.Now()
	// The anchor phrase sits more than 16 words back in the transcript.
	old := "now let me tell you about my childhood and then I moved on to talk about work and the weather and traffic and lunch"
	for i := 0; i < 4; i++ {
		if _, ok := m.Ingest(old, now.Add(time.Duration(i*100)*time.Millisecond)); ok {
			t.Fatal("anchor outside the tail window must not fire")
		}
	}
}

func TestDisabledAndInvalidAnchorsIgnored(t *testing.T) {
	disabled := script.NewAnchor("off", "now let me tell you about my childhood", false)
	invalid := script.NewAnchor("empty", "?!", true)
	m := New(testConfig(), []script.Anchor{disabled, invalid})
	now := time.Now()
	text := "now let me tell you about my childhood"
	m.Ingest(text, now)
	if _, ok := m.Ingest(text, now.Add(100*time.Millisecond)); ok {
		t.Fatal("disabled or invalid anchors must never fire")
	}
}

func TestResetClearsCooldowns(t *testing.T) {
	m := New(testConfig(), []script.Anchor{childhoodAnchor()})
	now := time.Now()
	text := "now let me tell you about my childhood"
	m.Ingest(text, now)
	m.Ingest(text, now.Add(100*time.Millisecond))

	m.Reset()

	m.Ingest(text, now.Add(200*time.Millisecond))
	if _, ok := m.Ingest(text, now.Add(300*time.Millisecond)); !ok {
		t.Fatal("reset must clear the cooldown registry")
	}
}

func TestSetAnchorsDropsPending(t *testing.T) {
	m := New(testConfig(), []script.Anchor{childhoodAnchor()})
	now := time.Now()
	text := "now let me tell you about my childhood"
	m.Ingest(text, now)

	m.SetAnchors([]script.Anchor{childhoodAnchor()})

	// Confirmation restarts after a snapshot rebuild.
	if _, ok := m.Ingest(text, now.Add(100*time.Millisecond)); ok {
		t.Fatal("pending state must not survive a snapshot rebuild")
	}
	if _, ok := m.Ingest(text, now.Add(200*time.Millisecond)); !ok {
		t.Fatal("expected fire after reconfirmation")
	}
}
