package remote

import "testing"

func TestReadDefaultLocationMissingIsConfigError(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := readDefaultLocation()
	if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("expected a ConfigError, got %T: %v", err, err)
	}
}

func TestWriteAndReadDefaultLocation(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if err := WriteDefaultLocation("broker.example.com"); err != nil {
		t.Fatalf("WriteDefaultLocation: %v", err)
	}
	got, err := readDefaultLocation()
	if err != nil {
		t.Fatalf("readDefaultLocation: %v", err)
	}
	if got != "broker.example.com" {
		t.Fatalf("expected broker.example.com, got %q", got)
	}
}

func TestReadDefaultLocationEmptyFileIsConfigError(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if err := WriteDefaultLocation(""); err != nil {
		t.Fatalf("WriteDefaultLocation: %v", err)
	}
	_, err := readDefaultLocation()
	if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("expected a ConfigError for an empty default_location, got %T: %v", err, err)
	}
}
