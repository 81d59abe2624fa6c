package detect

// HaarConfig tunes the OpenCV haar cascade backend.
type HaarConfig struct {
	CascadePath  string
	ScaleFactor  float64
	MinNeighbors int
	MinSize      int // 0 lets OpenCV pick the cascade's window size
}

// DefaultHaarConfig matches the frontal face cascade settings the worker has always used.
func DefaultHaarConfig() HaarConfig {
	return HaarConfig{
		CascadePath:  "models/haarcascade_frontalface_default.xml",
		ScaleFactor:  1.2,
		MinNeighbors: 5,
	}
}
