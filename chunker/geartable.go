package chunker

// gearTable is the per-byte mixing table for the gear rolling hash. It
// is generated at init from a fixed splitmix64 sequence, never from
// runtime entropy: the table, and therefore every chunk boundary, is
// identical across processes and runs.
var gearTable [256]uint64

func init() {
	// splitmix64 with a fixed seed.
	s := uint64(0x9e2f_1a6b_0c44_d7e3)
	next := func() uint64 {
		s += 0x9e3779b97f4a7c15
		z := s
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		return z ^ (z >> 31)
	}
	for i := range gearTable {
		gearTable[i] = next()
	}
}
