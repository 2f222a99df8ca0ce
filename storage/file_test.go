package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

func openTestFile(t *testing.T, dir string, segmentBytes int64) *File {
	t.Helper()
	logger, _ := test.NewNullLogger()
	f, err := OpenFile(FileConfig{Dir: dir, SegmentBytes: segmentBytes, Logger: logger})
	if err != nil {
		t.Fatalf("open file bridge: %v", err)
	}
	return f
}

func segments(t *testing.T, dir string) []string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "segment-*.log"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return paths
}

func TestFileBridgeReplaysLatestValues(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := openTestFile(t, dir, 0)
	_ = f.Save(ctx, "a", []byte("1"))
	_ = f.Save(ctx, "b", []byte("2"))
	_ = f.Save(ctx, "a", []byte("3"))
	_ = f.Delete(ctx, "b")
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f = openTestFile(t, dir, 0)
	defer f.Close()
	if got, _ := f.Load(ctx, "a"); string(got) != "3" {
		t.Fatalf("a = %q", got)
	}
	if got, _ := f.Load(ctx, "b"); got != nil {
		t.Fatalf("deleted key replayed: %q", got)
	}
	if err := f.Save(ctx, "c", []byte("4")); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
}

func TestFileBridgeTruncatesTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := openTestFile(t, dir, 0)
	_ = f.Save(ctx, "a", []byte("kept"))
	_ = f.Close()

	paths := segments(t, dir)
	if len(paths) != 1 {
		t.Fatalf("expected one segment, got %v", paths)
	}
	info, _ := os.Stat(paths[0])
	good := info.Size()
	file, err := os.OpenFile(paths[0], os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	// header promising 100 bytes followed by only 3
	_, _ = file.Write([]byte{100, 0, 0, 0, 1, 2, 3, 4, 9, 0, 0, 0, 0, 0, 0, 0, 'x', 'y', 'z'})
	_ = file.Close()

	f = openTestFile(t, dir, 0)
	defer f.Close()
	if got, _ := f.Load(ctx, "a"); string(got) != "kept" {
		t.Fatalf("valid record lost: %q", got)
	}
	info, _ = os.Stat(paths[0])
	if info.Size() != good {
		t.Fatalf("torn tail not truncated: size %d want %d", info.Size(), good)
	}
}

func TestFileBridgeCompactsIntoOneSegment(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := openTestFile(t, dir, 512)
	for i := 0; i < 50; i++ {
		if err := f.Save(ctx, fmt.Sprintf("k%d", i%3), []byte(fmt.Sprintf("value-%03d", i))); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	_ = f.Close()
	if paths := segments(t, dir); len(paths) != 1 {
		t.Fatalf("expected compaction to leave one segment, got %v", paths)
	}

	f = openTestFile(t, dir, 512)
	defer f.Close()
	for i, want := range []string{"value-048", "value-049", "value-047"} {
		if got, _ := f.Load(ctx, fmt.Sprintf("k%d", i)); string(got) != want {
			t.Fatalf("k%d = %q want %q", i, got, want)
		}
	}
}

func TestFileBridgeFoldsLeftoverSegments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := openTestFile(t, dir, 0)
	_ = f.Save(ctx, "old", []byte("1"))
	_ = f.Close()

	// simulate a compaction that stopped after creating its segment
	second := filepath.Join(dir, fmt.Sprintf("segment-%020d.log", 99))
	if err := os.WriteFile(second, nil, 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	f = openTestFile(t, dir, 0)
	defer f.Close()
	if got, _ := f.Load(ctx, "old"); string(got) != "1" {
		t.Fatalf("data from older segment lost: %q", got)
	}
	if paths := segments(t, dir); len(paths) != 1 {
		t.Fatalf("leftover segments not folded: %v", paths)
	}
}

func TestFileBridgeRejectsUseAfterClose(t *testing.T) {
	f := openTestFile(t, t.TempDir(), 0)
	_ = f.Close()
	if err := f.Save(context.Background(), "a", []byte("1")); err == nil {
		t.Fatalf("expected error after close")
	}
}
