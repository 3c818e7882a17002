package stream

import "time"

// barBuilder folds sampled spot prices into fixed-interval bars. The
// broker reports cumulative session volume, so a bar's volume is the
// delta across its samples.
type barBuilder struct {
	open    bool
	start   time.Time
	o       float64
	h       float64
	l       float64
	c       float64
	volAt   float64 // cumulative volume at bar open
	volLast float64
}

// closedBar is one finished bar.
type closedBar struct {
	start  time.Time
	open   float64
	high   float64
	low    float64
	close  float64
	volume float64
}

// observe folds one price sample into the current bar.
func (b *barBuilder) observe(price, cumVolume float64, now time.Time) {
	if !b.open {
		b.open = true
		b.start = now
		b.o = price
		b.h = price
		b.l = price
		b.volAt = cumVolume
	}
	if price > b.h {
		b.h = price
	}
	if price < b.l {
		b.l = price
	}
	b.c = price
	b.volLast = cumVolume
}

// close finishes the current bar, if any samples arrived.
func (b *barBuilder) close() (closedBar, bool) {
	if !b.open {
		return closedBar{}, false
	}
	bar := closedBar{
		start:  b.start,
		open:   b.o,
		high:   b.h,
		low:    b.l,
		close:  b.c,
		volume: b.volLast - b.volAt,
	}
	*b = barBuilder{}
	return bar, true
}
