package storage

import (
	"fmt"
	"testing"

	"github.com/golang-migrate/migrate/v4"
)

func TestNormalizeVersion(t *testing.T) {
	tests := []struct {
		name      string
		version   uint
		dirty     bool
		err       error
		wantVer   uint
		wantDirty bool
		wantErr   bool
	}{
		{"applied migrations", 2, false, nil, 2, false, false},
		{"dirty state preserved", 1, true, nil, 1, true, false},
		{"fresh database is version zero", 0, false, migrate.ErrNilVersion, 0, false, false},
		{"real error propagates", 0, false, fmt.Errorf("connection refused"), 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, dirty, err := normalizeVersion(tt.version, tt.dirty, tt.err)
			if (err != nil) != tt.wantErr {
				t.Fatalf("normalizeVersion() error = %v, wantErr %v", err, tt.wantErr)
			}
			if version != tt.wantVer {
				t.Errorf("version = %d, want %d", version, tt.wantVer)
			}
			if dirty != tt.wantDirty {
				t.Errorf("dirty = %v, want %v", dirty, tt.wantDirty)
			}
		})
	}
}
