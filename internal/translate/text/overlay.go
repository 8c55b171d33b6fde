package text

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"lenslate/internal/lens"
)

// Merge thresholds in image pixels. Centers within mergeX of each other and
// vertical spans within mergeY of overlapping belong to the same block.
const (
	defaultMergeX = 10
	defaultMergeY = 15
)

var (
	calcRe   = regexp.MustCompile(`calc\(([\d.]+)%\s*([+-])\s*([\d.]+)px\)`)
	rotateRe = regexp.MustCompile(`rotate\(([-\d.]+)deg\)`)
)

// parseCalcValue evaluates a style expression of the form calc(P% +/- Npx)
// against the given dimension. Anything else evaluates to 0.
func parseCalcValue(calc string, dim float64) float64 {
	m := calcRe.FindStringSubmatch(calc)
	if m == nil {
		return 0
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	off, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0
	}
	base := dim * pct / 100
	if m[2] == "-" {
		return base - off
	}
	return base + off
}

// parseRotate pulls the rotation angle out of an inline style, 0 when absent.
func parseRotate(style string) float64 {
	m := rotateRe.FindStringSubmatch(style)
	if m == nil {
		return 0
	}
	deg, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return deg
}

// styleKV splits an inline style attribute into property/value pairs. Values
// keep their own colons, only the first one separates.
func styleKV(style string) map[string]string {
	kv := make(map[string]string)
	for _, part := range strings.Split(style, ";") {
		name, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		kv[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return kv
}

func absStyle(top, left, width, height int, rot float64) string {
	return fmt.Sprintf("top: %dpx; left: %dpx; width: %dpx; height: %dpx; transform: rotate(%vdeg);",
		top, left, width, height, rot)
}

// buildAnnotations converts overlay DOM boxes into pixel-space annotations
// for an image of w by h pixels. Boxes without a line index, without text,
// or without calc() geometry are dropped. Percentages in the style resolve
// against the source image dimensions, so the vertices land in image
// coordinates regardless of how the result page scaled the render.
func buildAnnotations(boxes []lens.DOMBox, w, h int) []lens.Annotation {
	out := make([]lens.Annotation, 0, len(boxes))
	for _, box := range boxes {
		if strings.TrimSpace(box.LineIndex) == "" {
			continue
		}
		text := strings.TrimSpace(box.Text)
		if text == "" || !strings.Contains(box.Style, "calc(") {
			continue
		}

		kv := styleKV(box.Style)
		top := parseCalcValue(kv["top"], float64(h))
		left := parseCalcValue(kv["left"], float64(w))
		wid := parseCalcValue(kv["width"], float64(w))
		hei := parseCalcValue(kv["height"], float64(h))
		rot := parseRotate(box.Style)

		l, t := int(left), int(top)
		r, b := int(left+wid), int(top+hei)
		out = append(out, lens.Annotation{
			Description: text,
			BoundingPoly: lens.BoundingPoly{Vertices: []lens.Vertex{
				{X: l, Y: t}, {X: r, Y: t}, {X: r, Y: b}, {X: l, Y: b},
			}},
			Rotate:    rot,
			Style:     absStyle(int(top), int(left), int(wid), int(hei), rot),
			RawStyle:  box.Style,
			TopStr:    kv["top"],
			LeftStr:   kv["left"],
			WidthStr:  kv["width"],
			HeightStr: kv["height"],
		})
	}
	return out
}

// extent caches one annotation's envelope and horizontal center while
// merging.
type extent struct {
	l, r, t, b int
	cx         float64
}

// mergeByCenterLine joins annotations whose horizontal centers line up into
// vertical text blocks, the way lines of a sign or menu column stack. The
// relation is transitive through union-find, and the output preserves the
// order in which each block's first line appeared. Merged blocks lose the
// raw style fields and get an axis-aligned envelope with no rotation;
// singleton blocks pass through untouched apart from dropping raw fields.
func mergeByCenterLine(anns []lens.Annotation, mergeX, mergeY int) []lens.Annotation {
	exts := make([]extent, len(anns))
	for i, a := range anns {
		l, r, t, b := a.Bounds()
		exts[i] = extent{l: l, r: r, t: t, b: b, cx: float64(l+r) / 2}
	}

	parent := make([]int, len(anns))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	for i := range anns {
		for j := i + 1; j < len(anns); j++ {
			if math.Abs(exts[i].cx-exts[j].cx) < float64(mergeX) &&
				exts[i].t-mergeY < exts[j].b && exts[i].b+mergeY > exts[j].t {
				ri, rj := find(i), find(j)
				if ri != rj {
					parent[rj] = ri
				}
			}
		}
	}

	order := make([]int, 0, len(anns))
	groups := make(map[int][]int, len(anns))
	for i := range anns {
		root := find(i)
		if _, seen := groups[root]; !seen {
			order = append(order, root)
		}
		groups[root] = append(groups[root], i)
	}

	merged := make([]lens.Annotation, 0, len(order))
	for _, root := range order {
		members := groups[root]
		if len(members) == 1 {
			a := anns[members[0]]
			merged = append(merged, lens.Annotation{
				Description:  a.Description,
				BoundingPoly: a.BoundingPoly,
				Rotate:       a.Rotate,
				Style:        a.Style,
			})
			continue
		}

		parts := make([]string, 0, len(members))
		env := exts[members[0]]
		for _, i := range members {
			parts = append(parts, anns[i].Description)
			e := exts[i]
			if e.l < env.l {
				env.l = e.l
			}
			if e.r > env.r {
				env.r = e.r
			}
			if e.t < env.t {
				env.t = e.t
			}
			if e.b > env.b {
				env.b = e.b
			}
		}
		merged = append(merged, lens.Annotation{
			Description: strings.Join(parts, "\n"),
			BoundingPoly: lens.BoundingPoly{Vertices: []lens.Vertex{
				{X: env.l, Y: env.t}, {X: env.r, Y: env.t},
				{X: env.r, Y: env.b}, {X: env.l, Y: env.b},
			}},
			Rotate: 0,
			Style:  absStyle(env.t, env.l, env.r-env.l, env.b-env.t, 0),
		})
	}
	return merged
}

// fullText flattens raw annotation text in extraction order.
func fullText(anns []lens.Annotation) string {
	parts := make([]string, 0, len(anns))
	for _, a := range anns {
		parts = append(parts, a.Description)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
