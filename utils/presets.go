package utils

import (
	"fmt"
	"reflect"
	"time"
)

// Preset describes where a single-shot drag widget lives on the page and
// how its verification endpoint reports the outcome.
type Preset struct {
	Name        string `json:"name"`
	WebsiteName string `json:"website_name"`
	Kind        string `json:"kind"` // "slide" or "rotate"

	Frame      string `json:"frame"`
	Window     string `json:"window"`
	Piece      string `json:"piece"`
	Background string `json:"background"`
	Image      string `json:"image"`
	Slider     string `json:"slider"`

	// horizontal correction applied to the measured distance
	Offset       float64 `json:"offset"`
	SliderLength float64 `json:"slider_length"`

	VerifyURL            string        `json:"verify_url"`
	VerifySuccessKeyword string        `json:"verify_success_keyword"`
	VerifyTimeout        time.Duration `json:"verify_timeout"`
}

var optionalFields = map[string]bool{
	"Frame":        true,
	"Offset":       true,
	"Piece":        true,
	"Background":   true,
	"Image":        true,
	"SliderLength": true,
}

var Presets = []Preset{
	{
		Name:                 "geetest_slide_puzzle",
		WebsiteName:          "GeeTest",
		Kind:                 "slide",
		Window:               ".geetest_window",
		Piece:                ".geetest_canvas_slice",
		Background:           ".geetest_canvas_bg",
		Slider:               ".geetest_slider_button",
		Offset:               -6,
		VerifyURL:            "api.geetest.com/ajax.php",
		VerifySuccessKeyword: `"success"`,
		VerifyTimeout:        3 * time.Second,
	},
	{
		Name:                 "netease_slide",
		WebsiteName:          "NetEase Yidun",
		Kind:                 "slide",
		Window:               ".yidun_panel",
		Piece:                ".yidun_jigsaw",
		Background:           ".yidun_bg-img",
		Slider:               ".yidun_slider",
		Offset:               0,
		VerifyURL:            "/api/v3/check",
		VerifySuccessKeyword: `"result":true`,
		VerifyTimeout:        3 * time.Second,
	},
	{
		Name:                 "tencent_slide",
		WebsiteName:          "Tencent",
		Kind:                 "slide",
		Frame:                "#tcaptcha_iframe_dy",
		Window:               "#tcOperation",
		Piece:                ".tc-fg-item",
		Background:           ".tc-bg-img",
		Slider:               ".tc-slider-normal",
		Offset:               -22,
		VerifyURL:            "/cap_union_new_verify",
		VerifySuccessKeyword: `"errorCode":"0"`,
		VerifyTimeout:        3 * time.Second,
	},
	{
		Name:                 "baidu_slide_rotate",
		WebsiteName:          "Baidu",
		Kind:                 "rotate",
		Window:               ".rv-root",
		Image:                ".rv-image",
		Slider:               ".rv-slider",
		SliderLength:         238,
		VerifyURL:            "/cap/style",
		VerifySuccessKeyword: `"msg": "Success"`,
		VerifyTimeout:        5 * time.Second,
	},
}

// ValidatePreset reports required fields left at their zero value.
func ValidatePreset(p Preset) []string {
	var missing []string
	v := reflect.ValueOf(p)
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		if optionalFields[field.Name] {
			continue
		}
		if v.Field(i).IsZero() {
			missing = append(missing, field.Name)
		}
	}
	switch p.Kind {
	case "slide":
		if p.Piece == "" || p.Background == "" {
			missing = append(missing, "Piece/Background")
		}
	case "rotate":
		if p.Image == "" || p.SliderLength <= 0 {
			missing = append(missing, "Image/SliderLength")
		}
	}
	return missing
}

func FindPreset(name string) (Preset, error) {
	for _, preset := range Presets {
		if preset.Name == name {
			return preset, nil
		}
	}
	return Preset{}, fmt.Errorf("preset not found for query: %s", name)
}
