package verify

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/samcharles93/bitmcu/internal/samples"
	"github.com/samcharles93/bitmcu/pkg/quant"
)

// ExportFixtures writes the first n samples of set (all when n <= 0) as a C
// header of test vectors, scaled with the same input contract the driver
// uses:
//
//	int8_t input_data_0[64] = {3, -127, ...};
//	uint8_t label_0 = 7;
func ExportFixtures(w io.Writer, set *samples.Set, n int) error {
	if set == nil || set.Len() == 0 {
		return ErrNoSamples
	}
	bw := bufio.NewWriter(w)
	var line []byte
	for i, s := range set.Head(n).Samples {
		x, _ := quant.ScaleInput(s.Image)
		line = line[:0]
		line = fmt.Appendf(line, "int8_t input_data_%d[%d] = {", i, len(x))
		for j, v := range x {
			if j > 0 {
				line = append(line, ", "...)
			}
			line = strconv.AppendInt(line, int64(v), 10)
		}
		line = append(line, "};\n"...)
		line = fmt.Appendf(line, "uint8_t label_%d = %d;\n", i, s.Label)
		if _, err := bw.Write(line); err != nil {
			return err
		}
	}
	return bw.Flush()
}
