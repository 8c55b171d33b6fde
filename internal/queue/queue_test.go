package queue

import (
	"errors"
	"testing"

	"lenslate/internal/lens"
	"lenslate/internal/queue/memory"
)

func TestSetByMode(t *testing.T) {
	t.Parallel()

	images := memory.NewQueue(2)
	text := memory.NewQueue(2)
	set := NewSet(
		Named{Mode: lens.ModeImages, Queue: images},
		Named{Mode: lens.ModeText, Queue: text},
	)

	q, err := set.ByMode(lens.ModeImages)
	if err != nil {
		t.Fatalf("ByMode() error = %v", err)
	}
	if q != lens.Queue(images) {
		t.Fatal("expected the images queue back")
	}

	if _, err := set.ByMode(lens.Mode("lens_video")); !errors.Is(err, lens.ErrUnsupportedMode) {
		t.Fatalf("expected ErrUnsupportedMode, got %v", err)
	}
}

func TestSetModesOrdered(t *testing.T) {
	t.Parallel()

	set := NewSet(
		Named{Mode: lens.ModeText, Queue: memory.NewQueue(1)},
		Named{Mode: lens.ModeImages, Queue: memory.NewQueue(1)},
	)
	modes := set.Modes()
	if len(modes) != 2 || modes[0] != lens.ModeImages || modes[1] != lens.ModeText {
		t.Fatalf("Modes() = %v", modes)
	}
}

func TestSetDepths(t *testing.T) {
	t.Parallel()

	images := memory.NewQueue(4)
	set := NewSet(Named{Mode: lens.ModeImages, Queue: images})

	if err := images.TryEnqueue(lens.QueueItem{ID: "a"}); err != nil {
		t.Fatalf("TryEnqueue() error = %v", err)
	}
	if err := images.TryEnqueue(lens.QueueItem{ID: "b"}); err != nil {
		t.Fatalf("TryEnqueue() error = %v", err)
	}

	depths := set.Depths()
	if depths[lens.ModeImages] != 2 {
		t.Fatalf("Depths() = %v, want images=2", depths)
	}
}
