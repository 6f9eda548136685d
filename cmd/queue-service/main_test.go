package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"vetclinic/queue-service/internal/config"
	"vetclinic/queue-service/internal/store"
)

const seedJSON = `{
  "clinics": [{"clinic_id": "11111111-1111-1111-1111-111111111111", "name": "Riverside Vets"}],
  "owners": [{"owner_id": "22222222-2222-2222-2222-222222222222", "name": "Dana Reyes", "clinic_id": "11111111-1111-1111-1111-111111111111"}],
  "animals": [{"animal_id": "33333333-3333-3333-3333-333333333333", "name": "Biscuit", "species": "dog", "owner_id": "22222222-2222-2222-2222-222222222222"}],
  "appointments": []
}`

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.json")
	if err := os.WriteFile(path, []byte(seedJSON), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func TestOpenStoreAndSeed(t *testing.T) {
	ctx := context.Background()
	cases := []*config.Config{
		{StoreDriver: config.DriverMemory},
		{StoreDriver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "queue.db")},
	}
	for _, cfg := range cases {
		t.Run(cfg.StoreDriver, func(t *testing.T) {
			st, err := openStore(ctx, cfg, zerolog.Nop())
			if err != nil {
				t.Fatalf("open store: %v", err)
			}
			defer st.Close()

			res, err := applySeed(ctx, st, writeSeed(t))
			if err != nil {
				t.Fatalf("apply seed: %v", err)
			}
			if res.Clinics != 1 || res.Animals != 1 {
				t.Fatalf("unexpected seed result %+v", res)
			}
			if err := st.Ping(ctx); err != nil {
				t.Fatalf("ping: %v", err)
			}
		})
	}
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	_, err := openStore(context.Background(), &config.Config{StoreDriver: "mysql"}, zerolog.Nop())
	if !errors.Is(err, store.ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, cmd := range []string{serveCmd().Use, migrateCmd().Use, seedCmd().Use} {
		if cmd == "" {
			t.Fatal("expected command usage")
		}
	}
	if flag := serveCmd().Flags().Lookup("seed"); flag == nil {
		t.Fatal("expected --seed flag on serve")
	}
}
