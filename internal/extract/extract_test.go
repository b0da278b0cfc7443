package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtract_TruncatesAtNewline(t *testing.T) {
	got, ok := Extract("완성된 프롬프트: 용감한 기사, 전신, 배경없음\n추가 설명...", "완성된 프롬프트:")
	require.True(t, ok)
	require.Equal(t, "용감한 기사, 전신, 배경없음", got)
}

func TestExtract_TakesRemainderWithoutNewline(t *testing.T) {
	got, ok := Extract("좋아요! 완성된 프롬프트:   마법의 숲, 수채화 느낌  ", "완성된 프롬프트:")
	require.True(t, ok)
	require.Equal(t, "마법의 숲, 수채화 느낌", got)
}

func TestExtract_MissingOrEmpty(t *testing.T) {
	_, ok := Extract("어떤 스타일을 원하나요", "완성된 프롬프트:")
	require.False(t, ok)

	_, ok = Extract("완성된 프롬프트:   \n다음 줄", "완성된 프롬프트:")
	require.False(t, ok)

	_, ok = Extract("완성된 프롬프트: \"\"", "완성된 프롬프트:")
	require.False(t, ok)
}

func TestClean_Quotes(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`"용감한 기사"`, "용감한 기사"},
		{`'용감한 기사'`, "용감한 기사"},
		{`  " 기사 "  `, "기사"},
		{`"기사'`, `"기사'`},
		{`"`, `"`},
		{`기사`, "기사"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, clean(tc.in), "in=%q", tc.in)
	}
}

func TestExtractPair_SplitsOnSecondaryMarker(t *testing.T) {
	text := "정리했어요!\nDALL-E 프롬프트 (영어): \"A brave knight, full body, no background\"\n한국어 번역: '용감한 기사, 전신, 배경 없음'\n멋지죠!"
	first, second, ok := ExtractPair(text, "DALL-E 프롬프트 (영어):", "한국어 번역:")
	require.True(t, ok)
	require.Equal(t, "A brave knight, full body, no background", first)
	require.Equal(t, "용감한 기사, 전신, 배경 없음", second)
}

func TestExtractPair_WithoutSecondaryFallsBackToLine(t *testing.T) {
	first, second, ok := ExtractPair("DALL-E 프롬프트 (영어): A quiet forest\n끝", "DALL-E 프롬프트 (영어):", "한국어 번역:")
	require.True(t, ok)
	require.Equal(t, "A quiet forest", first)
	require.Empty(t, second)
}

func TestExtractPair_EmptyFirstField(t *testing.T) {
	_, _, ok := ExtractPair("DALL-E 프롬프트 (영어):  한국어 번역: 숲", "DALL-E 프롬프트 (영어):", "한국어 번역:")
	require.False(t, ok)
}

func TestParser_RejectsTrailingQuestion(t *testing.T) {
	p := Parser{MarkerLine("marker_line", "완성된 프롬프트:")}
	_, ok := p.Parse("완성된 프롬프트: 용감한 기사\n이 모습을 영상에서도 보여줄 수 있을까요?")
	require.False(t, ok)

	_, ok = p.Parse("완성된 프롬프트: 용감한 기사\n마음에 드나요?  \n")
	require.False(t, ok)
}

func TestParser_FirstMatchingVariantWins(t *testing.T) {
	p := Parser{
		Tagged("tagged", "final_prompt", "translation"),
		MarkerPair("marker_pair", "DALL-E 프롬프트 (영어):", "한국어 번역:"),
		MarkerLine("marker_line", "완성된 프롬프트:"),
	}

	res, ok := p.Parse("<final_prompt>A brave knight</final_prompt>\n<translation>용감한 기사</translation>\n완성된 프롬프트: 무시됨")
	require.True(t, ok)
	require.Equal(t, Result{Variant: "tagged", Text: "A brave knight", Translation: "용감한 기사"}, res)

	res, ok = p.Parse("완성된 프롬프트: 용감한 기사, 전신")
	require.True(t, ok)
	require.Equal(t, "marker_line", res.Variant)
	require.Equal(t, "용감한 기사, 전신", res.Text)

	_, ok = p.Parse("스타일은 어떤 느낌이 좋을까요")
	require.False(t, ok)
}

func TestParser_UnclosedTagFallsThrough(t *testing.T) {
	p := Parser{
		Tagged("tagged", "final_prompt", ""),
		MarkerLine("marker_line", "최종 프롬프트:"),
	}
	res, ok := p.Parse("<final_prompt>달린다\n최종 프롬프트: 주인공이 숲으로 달려간다")
	require.True(t, ok)
	require.Equal(t, "marker_line", res.Variant)
	require.Equal(t, "주인공이 숲으로 달려간다", res.Text)
}

func TestCompletionPhrase(t *testing.T) {
	p := Parser{CompletionPhrase("completion_phrase", "이 프롬프트로 멋진 영상을 만들 수 있을 거예요")}

	res, ok := p.Parse("\"주인공이 노을 속 언덕을 천천히 걸어간다, 전체 몸\"\n\n이제 이 프롬프트로 멋진 영상을 만들 수 있을 거예요!")
	require.True(t, ok)
	require.Equal(t, "주인공이 노을 속 언덕을 천천히 걸어간다, 전체 몸", res.Text)

	res, ok = p.Parse("좋아요! 이제 이 프롬프트로 멋진 영상을 만들 수 있을 거예요!\n\n\"토끼가 달빛 아래 춤춘다\"")
	require.True(t, ok)
	require.Equal(t, "토끼가 달빛 아래 춤춘다", res.Text)

	_, ok = p.Parse("멋진 생각이에요! 더 이야기해 볼까요")
	require.False(t, ok)
}

func TestCompletionPhrase_AloneMatchesWithoutText(t *testing.T) {
	p := Parser{
		MarkerLine("final_prompt", "최종 프롬프트:"),
		CompletionPhrase("video_ready", "이 프롬프트로 멋진 영상을 만들 수 있을 거예요"),
	}
	for _, reply := range []string{
		"좋아요! 이제 이 프롬프트로 멋진 영상을 만들 수 있을 거예요!",
		"이 프롬프트로 멋진 영상을 만들 수 있을 거예요!",
	} {
		res, ok := p.Parse(reply)
		require.True(t, ok, reply)
		require.Equal(t, Result{Variant: "video_ready"}, res)
	}

	_, ok := p.Parse("이 프롬프트로 멋진 영상을 만들 수 있을 거예요! 다른 장면도 만들어 볼까요?")
	require.False(t, ok)
}

func TestParser_FindSkipsQuestionGuardAndEmptyText(t *testing.T) {
	p := Parser{
		MarkerLine("final_prompt", "최종 프롬프트:"),
		CompletionPhrase("video_ready", "이 프롬프트로 멋진 영상을 만들 수 있을 거예요"),
	}
	res, ok := p.Find("최종 프롬프트: 기사가 성문을 향해 달린다\n이대로 괜찮을까요?")
	require.True(t, ok)
	require.Equal(t, "기사가 성문을 향해 달린다", res.Text)

	_, ok = p.Find("이 프롬프트로 멋진 영상을 만들 수 있을 거예요!")
	require.False(t, ok)
}

func TestLastQuoted(t *testing.T) {
	got, ok := LastQuoted("이렇게 바꿔 볼까요?\n\"기사가 천천히 걷는다\"\n'기사가 말을 타고 달린다'\n어때요?")
	require.True(t, ok)
	require.Equal(t, "기사가 말을 타고 달린다", got)

	_, ok = LastQuoted("따옴표 없는 답변\n\"\"")
	require.False(t, ok)
}
