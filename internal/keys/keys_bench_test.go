package keys

import "testing"

var sink string

func BenchmarkKeys_Metadata(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		sink = Metadata(DefaultTaskPrefix, "0b7f8a4e-1d2c-4f7e-9a55-3c1b2d4e5f60")
	}
}

func BenchmarkKeys_ForThenJob(b *testing.B) {
	q := For("convert")
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		sink = q.Job("0b7f8a4e-1d2c-4f7e-9a55-3c1b2d4e5f60")
	}
}
