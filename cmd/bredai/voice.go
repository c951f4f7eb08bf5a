package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"bredai/internal/voice"
)

// consoleRecognizer treats the next typed line as the utterance.
type consoleRecognizer struct {
	out io.Writer
}

func (c consoleRecognizer) Start() error {
	_, err := fmt.Fprintln(c.out, "🎤 Ich höre zu …")
	return err
}

func (consoleRecognizer) Stop() {}

// consoleSpeaker prints the answer and reports the end of speech after a
// reading delay scaled by the voice rate.
type consoleSpeaker struct {
	out     io.Writer
	machine *voice.Machine

	mu    sync.Mutex
	timer *time.Timer
}

const wordsPerSecond = 3.0

func (c *consoleSpeaker) Speak(text string, opts voice.SpeakOptions) error {
	if _, err := fmt.Fprintf(c.out, "🔊 %s\n", text); err != nil {
		return err
	}
	rate := opts.Rate
	if rate <= 0 {
		rate = 1
	}
	d := time.Duration(float64(len(strings.Fields(text))) / (wordsPerSecond * rate) * float64(time.Second))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(d, c.machine.OnSpeechEnd)
	return nil
}

func (c *consoleSpeaker) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
