package stubio

func ZigZagInt64(i int64) uint64 {
	return uint64(i*2) ^ uint64(i>>63)
}

func ZagZigUint64(u uint64) int64 {
	half := u >> 1
	mask := -(u & 1)
	return int64(half ^ mask)
}
