package fileutil

import (
	"os"
	"testing"
)

// testChdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains: it
// changes the working directory and restores it when the test ends.
func testChdir(t *testing.T, dir string) {
	t.Helper()
	oldwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(oldwd); err != nil {
			t.Fatal(err)
		}
	})
}
