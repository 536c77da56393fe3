package state

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/mkallio/tapedeck/playerd/internal/remote"
	"github.com/mkallio/tapedeck/playerd/internal/shared"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "playerd.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestLastTrackRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.LastTrack(); !errors.Is(err, shared.ErrStateNotFound) {
		t.Fatalf("empty store returned %v, want ErrStateNotFound", err)
	}

	if err := store.SaveLastTrack("42"); err != nil {
		t.Fatal(err)
	}
	id, err := store.LastTrack()
	if err != nil {
		t.Fatal(err)
	}
	if id != "42" {
		t.Errorf("last track = %q, want 42", id)
	}

	if err := store.SaveLastTrack("7"); err != nil {
		t.Fatal(err)
	}
	if id, _ := store.LastTrack(); id != "7" {
		t.Errorf("last track = %q, want overwritten 7", id)
	}
}

func TestVolumeRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	if _, _, err := store.Volume(); !errors.Is(err, shared.ErrStateNotFound) {
		t.Fatalf("empty store returned %v, want ErrStateNotFound", err)
	}

	if err := store.SaveVolume(0.5, 0.8); err != nil {
		t.Fatal(err)
	}
	volume, preMute, err := store.Volume()
	if err != nil {
		t.Fatal(err)
	}
	if volume != 0.5 || preMute != 0.8 {
		t.Errorf("volume = %v/%v, want 0.5/0.8", volume, preMute)
	}

	// Muting stores a zero volume but keeps the restore level.
	if err := store.SaveVolume(0, 0.5); err != nil {
		t.Fatal(err)
	}
	volume, preMute, _ = store.Volume()
	if volume != 0 || preMute != 0.5 {
		t.Errorf("volume = %v/%v, want 0/0.5", volume, preMute)
	}
}

func TestScalarsDoNotClobberEachOther(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.SaveVolume(0.3, 0.9); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveLastTrack("5"); err != nil {
		t.Fatal(err)
	}

	volume, preMute, err := store.Volume()
	if err != nil {
		t.Fatal(err)
	}
	if volume != 0.3 || preMute != 0.9 {
		t.Errorf("volume = %v/%v after last-track save, want 0.3/0.9", volume, preMute)
	}
	if id, _ := store.LastTrack(); id != "5" {
		t.Errorf("last track = %q, want 5", id)
	}
}

func TestQueueSnapshotRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.LoadQueue(); !errors.Is(err, shared.ErrStateNotFound) {
		t.Fatalf("empty store returned %v, want ErrStateNotFound", err)
	}

	queue := []remote.Track{
		{ID: "1", Title: "First", Artist: "A", Duration: 120},
		{ID: "2", Title: "Second", Artist: "B", Duration: 240, Path: "/music/b.flac"},
	}
	if err := store.SaveQueue(queue); err != nil {
		t.Fatal(err)
	}

	got, err := store.LoadQueue()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "1" || got[1].Path != "/music/b.flac" {
		t.Errorf("loaded queue = %+v", got)
	}

	if err := store.SaveQueue(nil); err != nil {
		t.Fatal(err)
	}
	got, err = store.LoadQueue()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("loaded queue = %+v, want empty", got)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playerd.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveLastTrack("persisted"); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveVolume(0.7, 0.7); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if id, _ := reopened.LastTrack(); id != "persisted" {
		t.Errorf("last track = %q after reopen", id)
	}
	if volume, _, _ := reopened.Volume(); volume != 0.7 {
		t.Errorf("volume = %v after reopen", volume)
	}
}
