package ingest

import (
	"strings"
	"testing"
)

func TestChunkOffsets2500(t *testing.T) {
	text := strings.Repeat("x", 2500)
	chunks := Chunker{Size: 1000, Overlap: 200}.Chunk("doc", text)

	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	wantOffsets := [][2]int{{0, 1000}, {800, 1800}, {1600, 2500}, {2400, 2500}}
	for i, w := range wantOffsets {
		if chunks[i].Start != w[0] || chunks[i].End != w[1] {
			t.Errorf("chunk %d = [%d,%d), want [%d,%d)", i, chunks[i].Start, chunks[i].End, w[0], w[1])
		}
		if chunks[i].Ordinal != i {
			t.Errorf("chunk %d ordinal = %d", i, chunks[i].Ordinal)
		}
		if chunks[i].ID != ChunkID("doc", i) {
			t.Errorf("chunk %d id = %s", i, chunks[i].ID)
		}
	}
}

func TestChunkCoverage(t *testing.T) {
	// the union of chunk spans must tile the text: no gaps, no loss
	for _, n := range []int{1, 199, 200, 999, 1000, 1001, 1800, 2500, 5431} {
		text := strings.Repeat("abcdefghij", (n+9)/10)[:n]
		chunks := Chunker{Size: 1000, Overlap: 200}.Chunk("d", text)

		covered := make([]bool, n)
		for _, ch := range chunks {
			if ch.Text != text[ch.Start:ch.End] {
				t.Fatalf("n=%d chunk %d text does not match its offsets", n, ch.Ordinal)
			}
			for i := ch.Start; i < ch.End; i++ {
				covered[i] = true
			}
		}
		for i, ok := range covered {
			if !ok {
				t.Fatalf("n=%d offset %d not covered", n, i)
			}
		}
	}
}

func TestChunkOverlapSharedText(t *testing.T) {
	text := strings.Repeat("0123456789", 300) // 3000 chars
	chunks := Chunker{Size: 1000, Overlap: 200}.Chunk("d", text)
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		if cur.Start >= prev.End {
			continue // final short tail may start past the previous end
		}
		overlap := prev.End - cur.Start
		if prev.Text[len(prev.Text)-overlap:] != cur.Text[:overlap] {
			t.Fatalf("chunks %d and %d disagree on their overlap", i-1, i)
		}
	}
}

func TestChunkEmptyText(t *testing.T) {
	if got := (Chunker{Size: 1000, Overlap: 200}).Chunk("d", ""); got != nil {
		t.Fatalf("expected no chunks, got %d", len(got))
	}
}

func TestNormalizeText(t *testing.T) {
	in := "  a   b\n\n\n\nc  d  \n"
	want := "a b\n\nc d"
	if got := NormalizeText(in); got != want {
		t.Errorf("NormalizeText = %q, want %q", got, want)
	}
}
