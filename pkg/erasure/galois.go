package erasure

// fieldPolynomial is x^8 + x^4 + x^3 + x^2 + 1.
const fieldPolynomial = 0x11d

var (
	expTable [510]byte
	logTable [256]byte
	mulTable [256][256]byte
)

func init() {
	x := 1
	for i := 0; i < 255; i++ {
		expTable[i] = byte(x)
		logTable[x] = byte(i)
		x <<= 1
		if x&0x100 != 0 {
			x ^= fieldPolynomial
		}
	}
	for i := 255; i < len(expTable); i++ {
		expTable[i] = expTable[i-255]
	}

	for a := 0; a < 256; a++ {
		for b := 0; b < 256; b++ {
			mulTable[a][b] = galMul(byte(a), byte(b))
		}
	}
}

func galAdd(a, b byte) byte {
	return a ^ b
}

func galMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return expTable[int(logTable[a])+int(logTable[b])]
}

// galDiv panics on division by zero; callers check pivots first.
func galDiv(a, b byte) byte {
	if b == 0 {
		panic("erasure: division by zero")
	}
	if a == 0 {
		return 0
	}
	return expTable[int(logTable[a])+255-int(logTable[b])]
}

// galExp returns a^n. By convention 0^0 == 1.
func galExp(a byte, n int) byte {
	if n == 0 {
		return 1
	}
	if a == 0 {
		return 0
	}
	return expTable[(int(logTable[a])*n)%255]
}

// mulSlice sets out[i] = c*in[i].
func mulSlice(c byte, in, out []byte) {
	t := &mulTable[c]
	for i, v := range in {
		out[i] = t[v]
	}
}

// mulAddSlice sets out[i] ^= c*in[i].
func mulAddSlice(c byte, in, out []byte) {
	if c == 0 {
		return
	}
	t := &mulTable[c]
	for i, v := range in {
		out[i] ^= t[v]
	}
}
