package middleware

import (
	"fmt"
	"io"
	"math"
	"text/template"

	"github.com/Masterminds/sprig"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/vsariola/polysynth"
	"github.com/vsariola/polysynth/version"
)

const reportTemplate = `Polysynth {{ .Version }}
Master volume {{ db .S.Volume }}, key shift {{ sub .S.KeyShift 64 }}{{ if .S.SwapLR }}, channels swapped{{ end }}

Parts:
{{- range $i, $p := .S.Parts }}{{ if $p.Enabled }}
  {{ printf "%2d" $i }} {{ title $p.Instrument.Type }}{{ with $p.Instrument.Name }} "{{ . }}"{{ end }}  ch {{ add1 $p.Channel }}  vol {{ db $p.Volume }}  pan {{ sub $p.Panning 64 }}
{{- if $p.KeyLimit }}  limit {{ $p.KeyLimit }}{{ end }}
{{- end }}{{ end }}

Insertion effects:
{{- range $i, $fx := .S.InsEffects }}{{ if and $fx.Effect.Type (ne $fx.Target -2) }}
  {{ $i }} {{ effect $fx.Effect.Type | title }} on {{ if eq $fx.Target -1 }}master{{ else }}part {{ $fx.Target }}{{ end }}
{{- end }}{{ end }}

System effects:
{{- range $i, $fx := .S.SysEffects }}{{ if $fx.Effect.Type }}
  {{ $i }} {{ effect $fx.Effect.Type | title }}  sends {{ sends $fx.Sends }}
{{- end }}{{ end }}
`

var effectNames = [polysynth.NumEffectTypes]string{"none", "echo", "distortion", "lowpass"}

var report = template.Must(template.New("report").Funcs(sprig.TxtFuncMap()).Funcs(template.FuncMap{
	"title": func(s string) string { return cases.Title(language.English).String(s) },
	"db": func(v int) string {
		if v == 0 {
			return "-inf dB"
		}
		return fmt.Sprintf("%+.1f dB", (float64(v)-96)/96*40)
	},
	"effect": func(t int) string {
		if t < 0 || t >= len(effectNames) {
			return fmt.Sprintf("type %d", t)
		}
		return effectNames[t]
	},
	"sends": func(sends []int) string {
		ret := ""
		for p, v := range sends {
			if v > 0 {
				ret += fmt.Sprintf(" %d:%d", p, v)
			}
		}
		if ret == "" {
			return " none"
		}
		return ret
	},
}).Parse(reportTemplate))

// Report writes a human readable summary of a parameter tree.
func Report(w io.Writer, s polysynth.Snapshot) error {
	return report.Execute(w, struct {
		Version string
		S       polysynth.Snapshot
	}{version.VersionOrHash, s})
}

// Report writes a summary of the running engine.
func (m *MiddleWare) Report(w io.Writer) error {
	s, err := m.Snapshot()
	if err != nil {
		return err
	}
	if err := Report(w, s); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "\nOutput peak %s / %s\n", peakDB(m.meter.PeakL), peakDB(m.meter.PeakR))
	return err
}

func peakDB(v float32) string {
	if v <= 0 {
		return "-inf dB"
	}
	return fmt.Sprintf("%.1f dB", 20*math.Log10(float64(v)))
}
