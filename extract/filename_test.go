package extract

import (
	"strings"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	naming := DefaultNaming()

	t.Run("absent title returns the default filename", func(t *testing.T) {
		got := SanitizeFilename("ignored", false, naming)
		if got != "qishui_audio.mp3" {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", "qishui_audio.mp3", got)
		}
	})

	t.Run("blank title returns the default filename", func(t *testing.T) {
		got := SanitizeFilename("   ", true, naming)
		if got != "qishui_audio.mp3" {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", "qishui_audio.mp3", got)
		}
	})

	t.Run("illegal characters become underscores", func(t *testing.T) {
		got := SanitizeFilename(` a/b\c:d*e?f"g<h>i|j `, true, naming)
		if got != "a_b_c_d_e_f_g_h_i_j.mp3" {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", "a_b_c_d_e_f_g_h_i_j.mp3", got)
		}
	})

	t.Run("control characters become underscores", func(t *testing.T) {
		got := SanitizeFilename("line\r\nbreak", true, naming)
		if got != "line__break.mp3" {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", "line__break.mp3", got)
		}
	})

	t.Run("never returns forbidden characters", func(t *testing.T) {
		for _, title := range []string{`../../etc/passwd`, `C:\Windows`, `"quoted"`, `<tag>|pipe`, `what?*`} {
			got := SanitizeFilename(title, true, naming)
			if strings.ContainsAny(got, `/\"<>|?*:`) {
				t.Fatalf("\nwanted:\nno forbidden characters\ngot:\n%s", got)
			}
		}
	})

	t.Run("sanitizing is idempotent on safe names", func(t *testing.T) {
		for _, title := range []string{"My Song", "晴天", "a_b_c", `x/y:z`} {
			once := SanitizeName(title)
			twice := SanitizeName(once)
			if once != twice {
				t.Fatalf("\nwanted:\n%s\ngot:\n%s", once, twice)
			}
		}
	})
}

func TestContentDisposition(t *testing.T) {
	t.Run("ascii names stay readable", func(t *testing.T) {
		got := ContentDisposition("My Song.mp3")
		want := `attachment; filename="My Song.mp3"; filename*=UTF-8''My%20Song.mp3`
		if got != want {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", want, got)
		}
	})

	t.Run("non-ascii names are percent-encoded", func(t *testing.T) {
		got := ContentDisposition("晴天.mp3")
		want := `attachment; filename="%E6%99%B4%E5%A4%A9.mp3"; filename*=UTF-8''%E6%99%B4%E5%A4%A9.mp3`
		if got != want {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", want, got)
		}
		for i := 0; i < len(got); i++ {
			if got[i] < 0x20 || got[i] >= 0x7f {
				t.Fatalf("\nwanted:\nprintable ascii\ngot:\nbyte %#x at %d", got[i], i)
			}
		}
	})

	t.Run("percent signs are encoded", func(t *testing.T) {
		got := DispositionFilename("100%.mp3")
		if got != "100%25.mp3" {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", "100%25.mp3", got)
		}
	})
}
