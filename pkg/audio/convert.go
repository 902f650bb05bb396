package audio

import "encoding/binary"

// ResampleMono16 converts little-endian 16-bit mono PCM from srcRate to
// dstRate by linear interpolation. The result holds
// len(pcm)/2*dstRate/srcRate samples. Equal or non-positive rates return pcm
// as is.
//
// Agents whose wire rate differs from [CaptureFormat] run outbound frames
// through this before sending.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	n := len(pcm) / 2
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || n == 0 {
		return pcm
	}
	outN := n * dstRate / srcRate
	if outN == 0 {
		return nil
	}

	at := func(i int) float64 {
		i = min(i, n-1)
		return float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	out := make([]byte, 2*outN)
	for j := range outN {
		// Source position j*src/dst, split into whole and fractional parts
		// without accumulating float error.
		num := j * srcRate
		i, frac := num/dstRate, float64(num%dstRate)/float64(dstRate)
		v := at(i) + (at(i+1)-at(i))*frac
		binary.LittleEndian.PutUint16(out[2*j:], uint16(int16(v)))
	}
	return out
}
