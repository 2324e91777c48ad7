package arena

import (
	"testing"
)

func TestMap_SmallPages(t *testing.T) {
	a, err := Map(Config{
		Size: 4 << 20,
		Mode: SmallPages,
	})
	if err != nil {
		t.Fatal(err)
	}

	a.Populate()

	if len(a.Mem) != 4<<20 {
		t.Fatalf("expected 4 MiB - got %d", len(a.Mem))
	}

	err = a.Close()
	if err != nil {
		t.Fatal(err)
	}

	if a.Mem != nil {
		t.Fatalf("expected Close to drop the mapping")
	}
}

func TestMap_BadSize(t *testing.T) {
	_, err := Map(Config{Size: 100})
	if err == nil {
		t.Fatalf("expected a size that is not a page multiple to fail")
	}
}
