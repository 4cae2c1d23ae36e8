package commands

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/acolita/termmux/internal/testing/fakes/fakeclock"
	"github.com/acolita/termmux/internal/testing/fakes/fakefs"
)

const testPath = "/home/test/.config/termmux/commands.json"

func newTestStore(t *testing.T, fsys *fakefs.FS) *Store {
	t.Helper()
	clk := fakeclock.New(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	s, err := Open(testPath, WithFileSystem(fsys), WithClock(clk))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t, fakefs.New())
	if got := s.List(); len(got) != 0 {
		t.Errorf("List() = %v, want empty", got)
	}
	if s.Path() != testPath {
		t.Errorf("Path() = %q", s.Path())
	}
}

func TestOpen_InvalidJSON(t *testing.T) {
	fsys := fakefs.New()
	fsys.AddFile(testPath, []byte("{not json"), 0o600)
	if _, err := Open(testPath, WithFileSystem(fsys)); err == nil {
		t.Fatal("Open() expected error for invalid JSON")
	}
}

func TestAdd_PersistsAndReloads(t *testing.T) {
	fsys := fakefs.New()
	s := newTestStore(t, fsys)

	c, err := s.Add("disk", "df -h")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if c.ID == "" || c.Name != "disk" || c.Text != "df -h" {
		t.Errorf("Add() = %+v", c)
	}
	if !c.AddedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("AddedAt = %v", c.AddedAt)
	}
	if _, err := s.Add("", "uptime"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	data, err := fsys.ReadFile(testPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), `"df -h"`) {
		t.Errorf("file = %s", data)
	}

	reloaded := newTestStore(t, fsys)
	got := reloaded.List()
	if len(got) != 2 {
		t.Fatalf("reloaded List() len = %d, want 2", len(got))
	}
	if got[0].Name != "disk" || got[1].Name != "uptime" {
		t.Errorf("order = %q, %q", got[0].Name, got[1].Name)
	}
}

func TestAdd_Empty(t *testing.T) {
	s := newTestStore(t, fakefs.New())
	if _, err := s.Add("x", "   "); !errors.Is(err, ErrEmpty) {
		t.Errorf("Add() error = %v, want ErrEmpty", err)
	}
}

func TestGet(t *testing.T) {
	s := newTestStore(t, fakefs.New())
	first, _ := s.Add("disk", "df -h")
	s.Add("load", "uptime")

	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{"1", "df -h", false},
		{"2", "uptime", false},
		{"3", "", true},
		{"0", "", true},
		{first.ID, "df -h", false},
		{"load", "uptime", false},
		{"missing", "", true},
	}
	for _, tt := range tests {
		got, err := s.Get(tt.ref)
		if tt.wantErr {
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(%q) error = %v, want ErrNotFound", tt.ref, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Get(%q) error = %v", tt.ref, err)
			continue
		}
		if got.Text != tt.want {
			t.Errorf("Get(%q) = %q, want %q", tt.ref, got.Text, tt.want)
		}
	}
}

func TestRemove(t *testing.T) {
	fsys := fakefs.New()
	s := newTestStore(t, fsys)
	s.Add("a", "echo a")
	s.Add("b", "echo b")
	s.Add("c", "echo c")

	removed, err := s.Remove("2")
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if removed.Name != "b" {
		t.Errorf("removed = %q, want b", removed.Name)
	}
	if _, err := s.Remove("b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}

	got := newTestStore(t, fsys).List()
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "c" {
		t.Errorf("after remove = %+v", got)
	}
}

func TestList_ReturnsCopy(t *testing.T) {
	s := newTestStore(t, fakefs.New())
	s.Add("a", "echo a")
	list := s.List()
	list[0].Text = "changed"
	if got, _ := s.Get("1"); got.Text != "echo a" {
		t.Errorf("store mutated through List(): %q", got.Text)
	}
}

func TestAdd_FailedReplaceKeepsPreviousFile(t *testing.T) {
	fsys := fakefs.New()
	s := newTestStore(t, fsys)
	if _, err := s.Add("disk", "df -h"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	before, _ := fsys.ReadFile(testPath)

	boom := errors.New("read-only file system")
	fsys.Fail(fakefs.OpRename, testPath+".tmp", boom)
	if _, err := s.Add("load", "uptime"); !errors.Is(err, boom) {
		t.Fatalf("Add() error = %v, want %v", err, boom)
	}

	if got := s.List(); len(got) != 1 {
		t.Errorf("List() len = %d after failed Add, want 1", len(got))
	}
	after, _ := fsys.ReadFile(testPath)
	if string(after) != string(before) {
		t.Errorf("file changed after failed Add:\n%s", after)
	}
	if files := fsys.Files(); len(files) != 1 || files[0] != testPath {
		t.Errorf("Files() = %v, want only %s", files, testPath)
	}
}
