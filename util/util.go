package util

import (
	"github.com/grailbio/base/log"
)

const Debug uint64 = 1

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		log.Debug.Printf(format, a...)
	}
}

// RoundUp returns the number of sz-sized units needed to hold n.
func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

// AlignUp rounds n up to a multiple of sz.
func AlignUp(n uint64, sz uint64) uint64 {
	return RoundUp(n, sz) * sz
}

// AlignDown rounds n down to a multiple of sz.
func AlignDown(n uint64, sz uint64) uint64 {
	return n - n%sz
}

func IsAligned(n uint64, sz uint64) bool {
	return n%sz == 0
}

func IsPow2(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// Pow2Ceil returns the smallest power of two >= n.
func Pow2Ceil(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}

func Max(n uint64, m uint64) uint64 {
	if n > m {
		return n
	}
	return m
}

// SumOverflows reports whether a+b wraps around.
func SumOverflows(a uint64, b uint64) bool {
	return a+b < a
}
