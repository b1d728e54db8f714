// Command promptgen renders the bot's static voice prompts as 8 kHz WAV
// files under the sounds root, so live calls never wait on synthesis for
// the fixed phrases. Run it once per deployment and after prompt changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/altavoz-cl/altavoz/internal/config"
	"github.com/altavoz-cl/altavoz/internal/flow"
	"github.com/altavoz-cl/altavoz/internal/stt"
	"github.com/altavoz-cl/altavoz/pkg/audio"
)

// prompts maps each static prompt name to the phrase it speaks.
var prompts = map[string]string{
	flow.PromptGreeting:      "Clínica, muy buenos días. Le atiende la asistente virtual. Para agendar su hora, indíqueme su RUT, por favor.",
	flow.PromptAskRUT:        "Para comenzar, indíqueme su RUT, por favor.",
	flow.PromptAskBody:       "Vamos por partes. Dígame solo los números de su RUT, sin el dígito verificador.",
	flow.PromptAskDV:         "¿Y cuál es el dígito verificador? Puede ser un número o la letra K.",
	flow.PromptRUTRetry:      "No logré entender su RUT. ¿Puede repetirlo dígito por dígito, por favor?",
	flow.PromptStillThere:    "¿Sigue ahí? Si necesita agendar una hora, indíqueme su RUT.",
	flow.PromptAskSpecialty:  "¿Para qué especialidad necesita la hora?",
	flow.PromptTransferAgent: "Lo comunicaré con un agente para continuar con su atención. Un momento, por favor.",
	flow.PromptGoodbye:       "Gracias por llamar. Que tenga un muy buen día.",
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	outDir := flag.String("out", "", "output directory; defaults to media.sounds_root from the config")
	voice := flag.String("voice", "", "override the configured TTS voice")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "promptgen: %v\n", err)
		return 1
	}

	root := *outDir
	if root == "" {
		root = cfg.Media.SoundsRoot
	}

	client := oai.NewClient(option.WithAPIKey(cfg.OpenAI.APIKey))
	synth := stt.NewSynthesizer(client, cfg.OpenAI.TTSModel, cfg.OpenAI.TTSVoice, slog.Default())

	names := make([]string, 0, len(prompts))
	for name := range prompts {
		names = append(names, name)
	}
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, name := range names {
		if err := render(ctx, synth, root, name, prompts[name], *voice); err != nil {
			fmt.Fprintf(os.Stderr, "promptgen: %s: %v\n", name, err)
			return 1
		}
		fmt.Printf("rendered %s.wav\n", filepath.Join(root, name))
	}
	return 0
}

// render synthesizes one prompt and writes it as a telephony-rate WAV.
func render(ctx context.Context, synth *stt.Synthesizer, root, name, text, voice string) error {
	pcm, err := synth.Synthesize(ctx, text, voice)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	telephony := audio.ResampleMono16(pcm, audio.SpeechRate, audio.TelephonyRate)

	path := filepath.Join(root, name+".wav")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	if err := audio.WriteWAV(f, telephony, audio.TelephonyRate); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode wav: %w", err)
	}
	return f.Close()
}
