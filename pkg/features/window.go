package features

// Window returns every contiguous run of length rows of corpus, in order,
// with stride 1. It returns nil when corpus is shorter than length. Windows
// share row storage with corpus.
func Window(corpus [][]float64, length int) [][][]float64 {
	if length <= 0 || len(corpus) < length {
		return nil
	}

	windows := make([][][]float64, 0, len(corpus)-length+1)
	for i := 0; i+length <= len(corpus); i++ {
		windows = append(windows, corpus[i:i+length:i+length])
	}
	return windows
}
