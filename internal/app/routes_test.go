package app

import (
	"testing"
	"time"

	gateway "github.com/gatewarden/warden/internal"
)

func TestTableResolve(t *testing.T) {
	t.Parallel()
	tbl := NewTable([]gateway.ServiceRoute{
		{Name: "users", Upstream: "http://users:8001", Timeout: 10 * time.Second},
		{Name: "orders", Upstream: "http://orders:8002", Timeout: 5 * time.Second},
	})

	rt, ok := tbl.Resolve("users")
	if !ok || rt.Upstream != "http://users:8001" {
		t.Errorf("Resolve(users) = %+v, %v", rt, ok)
	}
	if _, ok := tbl.Resolve("ghost"); ok {
		t.Error("Resolve(ghost) succeeded")
	}
}

func TestTableOrder(t *testing.T) {
	t.Parallel()
	tbl := NewTable([]gateway.ServiceRoute{
		{Name: "b"}, {Name: "a"}, {Name: "c"},
	})

	names := tbl.Names()
	want := []string{"b", "a", "c"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names = %v, want %v", names, want)
		}
	}

	list := tbl.List()
	for i := range want {
		if list[i].Name != want[i] {
			t.Fatalf("List order = %v", list)
		}
	}
}
