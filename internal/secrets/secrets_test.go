package secrets

import (
	"errors"
	"testing"
)

func TestNoopStoreGetMissesCleanly(t *testing.T) {
	store := &NoopStore{}
	_, err := store.Get(ServiceName, "anything")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("NoopStore.Get() error = %v, want %v", err, ErrNotFound)
	}
}

func TestNoopStoreWritesUnsupported(t *testing.T) {
	store := &NoopStore{}
	if err := store.Set(ServiceName, "a", "v"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("NoopStore.Set() error = %v, want %v", err, ErrNotSupported)
	}
	if err := store.Delete(ServiceName, "a"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("NoopStore.Delete() error = %v, want %v", err, ErrNotSupported)
	}
	if store.IsSupported() {
		t.Error("NoopStore.IsSupported() = true, want false")
	}
}

func TestDefaultNeverNil(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default() returned nil store")
	}
}

func TestServiceName(t *testing.T) {
	if ServiceName != "acpx" {
		t.Errorf("ServiceName = %q, want %q", ServiceName, "acpx")
	}
}
