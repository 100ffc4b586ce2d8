package app_test

import (
	"sync"
	"testing"

	"github.com/artpar/metergate/app"
	"github.com/artpar/metergate/domain/tier"
)

func mustRegistry(t *testing.T, name string, quota int64) *tier.Registry {
	t.Helper()
	reg, err := tier.NewRegistry([]tier.Spec{
		{Name: name, MonthlyQuota: quota, RequestsPerWindow: 2, WindowMinutes: 1},
	}, name)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestTiers_DefaultTable(t *testing.T) {
	tiers := app.NewTiers(nil)
	if got := tiers.Resolve("spider").RequestsPerWindow; got != 1388 {
		t.Errorf("spider allowance = %d, want 1388", got)
	}
}

func TestTiers_Swap(t *testing.T) {
	tiers := app.NewTiers(nil)
	tiers.Swap(mustRegistry(t, "basic", 50))

	if got := tiers.Resolve("crawler"); got.Name != "basic" {
		t.Errorf("Resolve(crawler) after swap = %q, want basic", got.Name)
	}

	tiers.Swap(nil)
	if tiers.Registry() == nil {
		t.Error("Swap(nil) cleared the registry")
	}
}

func TestTiers_ConcurrentSwapAndResolve(t *testing.T) {
	tiers := app.NewTiers(nil)
	a := tier.Defaults()
	b := mustRegistry(t, "free", 1)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tiers.Swap(a)
				tiers.Swap(b)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if s := tiers.Resolve("free"); s.Name != "free" {
					t.Errorf("Resolve(free) = %q", s.Name)
				}
			}
		}()
	}
	wg.Wait()
}
