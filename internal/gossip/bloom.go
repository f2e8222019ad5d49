package gossip

import "hash/fnv"

// bloomFilter is a small fixed-size Bloom filter used as a cheap
// negative pre-check before consulting the LRU recent-message set: a
// miss here means the message was certainly not seen, avoiding an LRU
// lookup (and its internal locking) on the hot forwarding path. No
// bloom filter library is present anywhere in the reference corpus, so
// this layer is hand-rolled; see DESIGN.md.
type bloomFilter struct {
	bits []uint64
	k    int
}

func newBloomFilter(bits int, k int) *bloomFilter {
	if bits <= 0 {
		bits = 1 << 16
	}
	words := (bits + 63) / 64
	return &bloomFilter{bits: make([]uint64, words), k: k}
}

// hashes returns the two base hashes for key: two FNV-1a digests, the
// second taken over key plus a trailing 0xff byte. add and mightContain
// combine them into k bit indices by Kirsch-Mitzenmacher double hashing.
func (b *bloomFilter) hashes(key string) (h1, h2 uint64) {
	f1 := fnv.New64a()
	f1.Write([]byte(key))
	h1 = f1.Sum64()

	f2 := fnv.New64a()
	f2.Write([]byte(key))
	f2.Write([]byte{0xff})
	h2 = f2.Sum64()
	return h1, h2
}

func (b *bloomFilter) add(key string) {
	h1, h2 := b.hashes(key)
	n := uint64(len(b.bits) * 64)
	for i := 0; i < b.k; i++ {
		idx := (h1 + uint64(i)*h2) % n
		b.bits[idx/64] |= 1 << (idx % 64)
	}
}

func (b *bloomFilter) mightContain(key string) bool {
	h1, h2 := b.hashes(key)
	n := uint64(len(b.bits) * 64)
	for i := 0; i < b.k; i++ {
		idx := (h1 + uint64(i)*h2) % n
		if b.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}
