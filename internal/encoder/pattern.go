package encoder

// TestPattern produces raw yuv420p frames of vertical color bars that
// scroll by a few pixels every frame.
type TestPattern struct {
	width  int
	height int
	frame  int
	buf    []byte
}

// bars are BT.601 YUV triples: white, yellow, cyan, green, magenta, red, blue.
var bars = [][3]byte{
	{235, 128, 128},
	{210, 16, 146},
	{170, 166, 16},
	{145, 54, 34},
	{106, 202, 222},
	{81, 90, 240},
	{41, 240, 110},
}

// NewTestPattern creates a pattern for the given frame size. Odd
// dimensions are rounded down to even.
func NewTestPattern(width, height int) *TestPattern {
	width &^= 1
	height &^= 1
	return &TestPattern{
		width:  width,
		height: height,
		buf:    make([]byte, width*height*3/2),
	}
}

// FrameSize returns the size in bytes of one frame.
func (p *TestPattern) FrameSize() int {
	return len(p.buf)
}

// Next renders the next frame. The returned slice is reused by the
// following call.
func (p *TestPattern) Next() []byte {
	w, h := p.width, p.height
	shift := p.frame * 4
	p.frame++

	barWidth := max(w/len(bars), 1)
	ySize := w * h
	cw, ch := w/2, h/2

	for x := 0; x < w; x++ {
		c := bars[((x+shift)/barWidth)%len(bars)]
		for y := 0; y < h; y++ {
			p.buf[y*w+x] = c[0]
		}
	}
	for x := 0; x < cw; x++ {
		c := bars[((2*x+shift)/barWidth)%len(bars)]
		for y := 0; y < ch; y++ {
			p.buf[ySize+y*cw+x] = c[1]
			p.buf[ySize+cw*ch+y*cw+x] = c[2]
		}
	}
	return p.buf
}
