package devserver

import (
	"context"
	"fmt"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
)

// Recognizer transcribes one complete utterance of 16-bit LE mono PCM.
type Recognizer interface {
	Recognize(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// StubRecognizer returns a fixed transcript, enough to exercise the client's
// recognition flow without cloud credentials.
type StubRecognizer struct{}

func (StubRecognizer) Recognize(_ context.Context, pcm []byte, _ int) (string, error) {
	if len(pcm) == 0 {
		return "", fmt.Errorf("no audio data received")
	}
	return "hello there", nil
}

// GoogleRecognizer transcribes audio with Google Cloud Speech-to-Text. It
// relies on application default credentials.
type GoogleRecognizer struct{}

func (GoogleRecognizer) Recognize(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", fmt.Errorf("no audio data received")
	}

	client, err := speech.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create speech client: %w", err)
	}
	defer client.Close()

	resp, err := client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz: int32(sampleRate),
			LanguageCode:    "en-US",
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	})
	if err != nil {
		return "", fmt.Errorf("recognize: %w", err)
	}

	var best string
	for _, result := range resp.Results {
		if len(result.Alternatives) > 0 {
			best = result.Alternatives[0].Transcript
		}
	}
	if best == "" {
		return "", fmt.Errorf("no speech detected in audio")
	}
	return best, nil
}
