package client

import (
	"context"
	"testing"
	"time"

	"mini-binder/demo"
	"mini-binder/registry"
	"mini-binder/server"
)

// ---- Setup 公共函数 ----

func setupServerAndProxy(b *testing.B) demo.Demo {
	svr := server.NewServer()
	if _, err := svr.Register(demo.Descriptor, demo.NewBinder(demo.NewService(nil), nil)); err != nil {
		b.Fatal(err)
	}
	if err := svr.Listen("tcp", "127.0.0.1:0"); err != nil {
		b.Fatal(err)
	}
	reg := registry.NewMemoryRegistry()
	go svr.Serve("", reg)
	b.Cleanup(func() { svr.Shutdown(3 * time.Second) })

	c, err := New(reg)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	remote, err := c.WaitForService(ctx, demo.Descriptor)
	if err != nil {
		b.Fatal(err)
	}
	d, err := demo.AsInterface(remote, nil)
	if err != nil {
		b.Fatal(err)
	}
	return d
}

// ---- Benchmark ----

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialAdd(b *testing.B) {
	d := setupServerAndProxy(b)
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := d.Add(ctx, 1, 2); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用（体现多路复用优势）
func BenchmarkConcurrentAdd(b *testing.B) {
	d := setupServerAndProxy(b)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := d.Add(ctx, 1, 2); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// 场景3: one-way 调用，不等待回复
func BenchmarkOnewayAlert(b *testing.B) {
	d := setupServerAndProxy(b)
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := d.Alert(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
