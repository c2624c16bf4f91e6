package jpipserve

// Point is an integer coordinate pair. X runs horizontally and Y vertically.
type Point struct{ X, Y int }

// Add returns the component-wise sum of p and q.
func (p Point) Add(q Point) Point { return Point{p.X + q.X, p.Y + q.Y} }

// Rect is a half-open rectangle with its upper-left corner at Pos and extent
// Size. A Rect with a non-positive extent in either direction is empty.
type Rect struct {
	Pos  Point
	Size Point
}

// Empty reports whether r covers no samples.
func (r Rect) Empty() bool { return r.Size.X <= 0 || r.Size.Y <= 0 }

// Lim returns the exclusive lower-right corner of r.
func (r Rect) Lim() Point { return Point{r.Pos.X + r.Size.X, r.Pos.Y + r.Size.Y} }

// Area returns the number of samples covered by r, or zero when r is empty.
func (r Rect) Area() int64 {
	if r.Empty() {
		return 0
	}
	return int64(r.Size.X) * int64(r.Size.Y)
}

// Intersect returns the intersection of r and o. The result is normalized to
// the zero Rect when the two do not overlap.
func (r Rect) Intersect(o Rect) Rect {
	lr, lo := r.Lim(), o.Lim()
	out := Rect{Pos: Point{max(r.Pos.X, o.Pos.X), max(r.Pos.Y, o.Pos.Y)}}
	out.Size = Point{min(lr.X, lo.X) - out.Pos.X, min(lr.Y, lo.Y) - out.Pos.Y}
	if out.Empty() {
		return Rect{}
	}
	return out
}

// Intersects reports whether r and o share at least one sample.
func (r Rect) Intersects(o Rect) bool { return !r.Intersect(o).Empty() }

// Contains reports whether every sample of o also lies in r. An empty o is
// contained in any rectangle.
func (r Rect) Contains(o Rect) bool {
	if o.Empty() {
		return true
	}
	if r.Empty() {
		return false
	}
	lr, lo := r.Lim(), o.Lim()
	return o.Pos.X >= r.Pos.X && o.Pos.Y >= r.Pos.Y && lo.X <= lr.X && lo.Y <= lr.Y
}

// clamp returns r normalized so that degenerate regions collapse to the zero
// Rect instead of carrying negative extents around.
func (r Rect) clamp() Rect {
	if r.Empty() {
		return Rect{}
	}
	return r
}

// reduce maps r onto a grid subsampled by sub, rounding both edges up in the
// way codestream geometry maps canvas coordinates onto component and
// resolution coordinates.
func (r Rect) reduce(sub Point) Rect {
	if sub.X < 1 {
		sub.X = 1
	}
	if sub.Y < 1 {
		sub.Y = 1
	}
	lim := r.Lim()
	out := Rect{Pos: Point{ceilDiv(r.Pos.X, sub.X), ceilDiv(r.Pos.Y, sub.Y)}}
	out.Size = Point{ceilDiv(lim.X, sub.X) - out.Pos.X, ceilDiv(lim.Y, sub.Y) - out.Pos.Y}
	return out.clamp()
}

// discard maps r from a resolution's coordinates onto the coordinates of the
// resolution d levels below it.
func (r Rect) discard(d int) Rect {
	if d <= 0 {
		return r
	}
	return r.reduce(Point{1 << d, 1 << d})
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func ceilDiv(a, b int) int { return -floorDiv(-a, b) }
