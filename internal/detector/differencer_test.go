package detector

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"motionpipe/pkg/models"
)

func blackFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	return img
}

func withSquare(w, h int, r image.Rectangle) *image.RGBA {
	img := blackFrame(w, h)
	draw.Draw(img, r, image.NewUniform(color.White), image.Point{}, draw.Src)
	return img
}

func defaultParams() Params {
	return Params{DiffThreshold: 25, MinArea: 500, DilateIterations: 2}
}

func TestFirstFrameIsBaseline(t *testing.T) {
	d := NewFrameDifferencer(defaultParams())
	regions, emit, err := d.Detect(0, blackFrame(64, 64))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if emit || regions != nil {
		t.Fatalf("first frame emit=%v regions=%v, want nothing", emit, regions)
	}
	if !d.HasBaseline() {
		t.Fatal("baseline not stored")
	}
}

func TestSquareScenario(t *testing.T) {
	d := NewFrameDifferencer(defaultParams())
	frames := []image.Image{
		blackFrame(160, 120),
		blackFrame(160, 120),
		withSquare(160, 120, image.Rect(50, 50, 80, 80)),
	}

	var results [][]models.Rectangle
	for i, f := range frames {
		regions, emit, err := d.Detect(uint64(i), f)
		if err != nil {
			t.Fatalf("frame %d: Detect() error = %v", i, err)
		}
		if i == 0 {
			if emit {
				t.Fatal("frame 0 emitted a record")
			}
			continue
		}
		if !emit {
			t.Fatalf("frame %d did not emit", i)
		}
		results = append(results, regions)
	}

	if len(results[0]) != 0 {
		t.Errorf("frame 1 regions = %v, want none", results[0])
	}
	want := models.Rectangle{X: 48, Y: 48, Width: 34, Height: 34}
	if len(results[1]) != 1 || results[1][0] != want {
		t.Errorf("frame 2 regions = %v, want [%v]", results[1], want)
	}
}

func TestDetectIsDeterministic(t *testing.T) {
	a := withSquare(100, 100, image.Rect(10, 10, 40, 40))
	b := withSquare(100, 100, image.Rect(50, 20, 90, 70))

	var first []models.Rectangle
	for run := 0; run < 3; run++ {
		d := NewFrameDifferencer(defaultParams())
		if _, _, err := d.Detect(0, a); err != nil {
			t.Fatal(err)
		}
		got, _, err := d.Detect(1, b)
		if err != nil {
			t.Fatal(err)
		}
		if run == 0 {
			first = got
			continue
		}
		if len(got) != len(first) {
			t.Fatalf("run %d regions = %v, want %v", run, got, first)
		}
		for i := range got {
			if got[i] != first[i] {
				t.Fatalf("run %d regions = %v, want %v", run, got, first)
			}
		}
	}
	if len(first) != 2 {
		t.Fatalf("regions = %v, want two", first)
	}
	// Raster order: the square starting on row 8 comes before row 18
	if first[0].Y > first[1].Y {
		t.Errorf("regions not in raster order: %v", first)
	}
}

func TestMinAreaBoundary(t *testing.T) {
	params := Params{DiffThreshold: 25, MinArea: 500, DilateIterations: 0}
	rect := image.Rect(10, 10, 30, 35) // 20x25 = 500

	t.Run("area equal to minimum is kept", func(t *testing.T) {
		d := NewFrameDifferencer(params)
		_, _, _ = d.Detect(0, blackFrame(64, 64))
		regions, _, err := d.Detect(1, withSquare(64, 64, rect))
		if err != nil {
			t.Fatal(err)
		}
		if len(regions) != 1 {
			t.Fatalf("regions = %v, want one", regions)
		}
	})

	t.Run("one pixel less is dropped", func(t *testing.T) {
		frame := withSquare(64, 64, rect)
		frame.Set(10, 10, color.Black)

		d := NewFrameDifferencer(params)
		_, _, _ = d.Detect(0, blackFrame(64, 64))
		regions, emit, err := d.Detect(1, frame)
		if err != nil {
			t.Fatal(err)
		}
		if !emit || len(regions) != 0 {
			t.Fatalf("emit=%v regions=%v, want empty record", emit, regions)
		}
	})
}

func TestConsecutiveAndAnchorModes(t *testing.T) {
	square := image.Rect(20, 20, 60, 60)
	frames := []image.Image{blackFrame(100, 100), withSquare(100, 100, square), withSquare(100, 100, square)}

	tests := []struct {
		name   string
		anchor bool
		want   []int // regions per emitted frame
	}{
		{"consecutive", false, []int{1, 0}},
		{"anchor", true, []int{1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := defaultParams()
			p.Anchor = tt.anchor
			d := NewFrameDifferencer(p)

			var got []int
			for i, f := range frames {
				regions, emit, err := d.Detect(uint64(i), f)
				if err != nil {
					t.Fatal(err)
				}
				if emit {
					got = append(got, len(regions))
				}
			}
			if len(got) != len(tt.want) {
				t.Fatalf("emitted %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("emitted %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestNewBatchResetsBaseline(t *testing.T) {
	d := NewFrameDifferencer(defaultParams())
	for i := uint64(0); i < 3; i++ {
		if _, _, err := d.Detect(i, blackFrame(32, 32)); err != nil {
			t.Fatal(err)
		}
	}

	// A restart at frame 0 must not be compared against the old video
	_, emit, err := d.Detect(0, withSquare(32, 32, image.Rect(0, 0, 32, 32)))
	if err != nil {
		t.Fatal(err)
	}
	if emit {
		t.Fatal("first frame of a new batch emitted a record")
	}

	regions, emit, err := d.Detect(1, withSquare(32, 32, image.Rect(0, 0, 32, 32)))
	if err != nil || !emit {
		t.Fatalf("emit=%v err=%v", emit, err)
	}
	if len(regions) != 0 {
		t.Errorf("regions = %v, want none against the new baseline", regions)
	}
}

func TestSizeMismatchReplacesBaseline(t *testing.T) {
	d := NewFrameDifferencer(defaultParams())
	_, _, _ = d.Detect(0, blackFrame(32, 32))

	if _, _, err := d.Detect(1, blackFrame(64, 48)); err == nil {
		t.Fatal("Detect() succeeded for mismatched sizes")
	}

	regions, emit, err := d.Detect(2, blackFrame(64, 48))
	if err != nil {
		t.Fatalf("Detect() after mismatch error = %v", err)
	}
	if !emit || len(regions) != 0 {
		t.Errorf("emit=%v regions=%v, want empty record", emit, regions)
	}
}
