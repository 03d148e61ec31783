package protocol

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	frame, err := Encode(TestStarted("TestPut", "file:///work/store_test.go:12"))
	require.NoError(t, err)
	assert.Equal(t, "##testlens[testStarted name='TestPut' location='file:///work/store_test.go:12']\n", string(frame))

	frame, err = Encode(ReporterAttached())
	require.NoError(t, err)
	assert.Equal(t, "##testlens[reporterAttached]\n", string(frame))
}

func TestEncode_Rejects(t *testing.T) {
	_, err := Encode(Message{Type: "bogus"})
	assert.Error(t, err)

	_, err = Encode(Message{Type: TypeTestStarted, Attributes: []Attribute{{Key: "color", Value: "red"}}})
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	awkward := "line one\nline two\r\n|pipe| 'quoted' [bracketed] ]]|n literal"
	messages := []Message{
		ReporterAttached(),
		SuiteStarted("example.com/store"),
		SuiteFinished("example.com/store"),
		TestStarted("TestStoreSuite/TestPut", "store_test.go:40"),
		TestFinished("TestPut", 1530*time.Millisecond),
		TestFailed("TestPut", 12*time.Millisecond, awkward, "goroutine 1 [running]:\n\tmain.go:12"),
		TestIgnored("TestSkipped"),
		Error("runner crashed", awkward),
		TestStarted("", ""),
		TestStarted("名前", "ユニコード"),
	}

	for _, m := range messages {
		t.Run(string(m.Type), func(t *testing.T) {
			frame, err := Encode(m)
			require.NoError(t, err)
			assert.Equal(t, 1, strings.Count(string(frame), "\n"), "frame must be a single line")

			decoded, err := Decode(frame)
			require.NoError(t, err)
			assert.True(t, m.Equal(decoded), "got %+v want %+v", decoded, m)
		})
	}
}

func TestEscapeUnescape(t *testing.T) {
	tests := []struct {
		raw     string
		escaped string
	}{
		{raw: "plain", escaped: "plain"},
		{raw: "a|b", escaped: "a||b"},
		{raw: "it's", escaped: "it|'s"},
		{raw: "x\ny", escaped: "x|ny"},
		{raw: "\r", escaped: "|r"},
		{raw: "[0]", escaped: "|[0|]"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.escaped, Escape(tt.raw))
		got, err := Unescape(tt.escaped)
		require.NoError(t, err)
		assert.Equal(t, tt.raw, got)
	}
}

func TestDecode_Malformed(t *testing.T) {
	frames := []string{
		"",
		"testStarted name='x'",
		"##testlens[testStarted name='x'",
		"##testlens[bogusType name='x']",
		"##testlens[testStarted color='red']",
		"##testlens[testStarted name='unterminated]",
		"##testlens[testStarted name='bad |q escape']",
		"##testlens[testStarted name='dangling|']",
		"##testlens[testStarted name]",
		"##testlens[testStarted name='a'location='b']",
	}
	for _, f := range frames {
		_, err := Decode([]byte(f))
		require.Error(t, err, f)
		assert.True(t, errors.Is(err, ErrMalformedMessage), f)
	}
}

func TestDecode_LineTerminators(t *testing.T) {
	m, err := Decode([]byte("##testlens[testIgnored name='TestX']\r\n"))
	require.NoError(t, err)
	assert.Equal(t, TypeTestIgnored, m.Type)
	assert.Equal(t, "TestX", m.Name())
}

func TestMessage_Duration(t *testing.T) {
	d, ok := TestFinished("x", 2500*time.Millisecond).Duration()
	require.True(t, ok)
	assert.Equal(t, 2500*time.Millisecond, d)

	d, ok = TestFinished("x", -time.Second).Duration()
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	_, ok = TestIgnored("x").Duration()
	assert.False(t, ok)
}

func TestReader_DropsMalformedAndContinues(t *testing.T) {
	stream := strings.Join([]string{
		"##testlens[reporterAttached]",
		"garbage that is not a frame",
		"",
		"##testlens[nope name='x']",
		"##testlens[testStarted name='TestA' location='a_test.go:3']",
		"##testlens[testFinished name='TestA' duration='7']",
	}, "\n") + "\n"

	var dropped []string
	r := NewReader(strings.NewReader(stream))
	r.OnMalformed = func(frame []byte, err error) {
		assert.True(t, errors.Is(err, ErrMalformedMessage))
		dropped = append(dropped, string(frame))
	}

	var got []MessageType
	for {
		m, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, m.Type)
	}

	assert.Equal(t, []MessageType{TypeReporterAttached, TypeTestStarted, TypeTestFinished}, got)
	assert.Equal(t, []string{"garbage that is not a frame", "##testlens[nope name='x']"}, dropped)
}

func TestReader_PartialFinalFrame(t *testing.T) {
	r := NewReader(strings.NewReader("##testlens[testStarted name='A' location='']\n##testlens[testFinished name='A' dur"))
	m, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeTestStarted, m.Type)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEncode_RejectsOversizedFrame(t *testing.T) {
	huge := strings.Repeat("x", MaxFrameSize)
	_, err := Encode(TestFailed("TestBig", time.Millisecond, "boom", huge))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReader_SkipsOversizedLine(t *testing.T) {
	var b strings.Builder
	b.WriteString("##testlens[testStarted name='TestBig' location='']\n")
	b.WriteString("##testlens[testFailed name='TestBig' message='boom' trace='")
	b.WriteString(strings.Repeat("x", MaxFrameSize+10))
	b.WriteString("']\n")
	b.WriteString("##testlens[testStarted name='TestNext' location='']\n")
	b.WriteString("##testlens[testFinished name='TestNext' duration='1']\n")

	var dropped []error
	r := NewReader(strings.NewReader(b.String()))
	r.OnMalformed = func(frame []byte, err error) {
		assert.LessOrEqual(t, len(frame), 1024)
		dropped = append(dropped, err)
	}

	var got []string
	for {
		m, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, string(m.Type)+" "+m.Name())
	}

	assert.Equal(t, []string{"testStarted TestBig", "testStarted TestNext", "testFinished TestNext"}, got)
	require.Len(t, dropped, 1)
	assert.ErrorIs(t, dropped[0], ErrFrameTooLarge)
}
