// Package research はリサーチジョブのパラメータ、エージェント構成、レポート生成を提供します。
package research

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Category はエージェントチームの種類を表します。
type Category string

const (
	CategoryGeneral           Category = "general"
	CategoryBusinessAnalysis  Category = "business_analysis"
	CategorySEOContent        Category = "seo_content"
	CategoryTechResearch      Category = "tech_research"
	CategoryFinancialAnalysis Category = "financial_analysis"
)

// Language はレポートの出力言語です。
type Language string

const (
	LanguageRU Language = "ru"
	LanguageEN Language = "en"
)

// Depth は分析の深さです。
type Depth string

const (
	DepthBasic         Depth = "basic"
	DepthStandard      Depth = "standard"
	DepthComprehensive Depth = "comprehensive"
)

const (
	DefaultCategory = CategoryGeneral
	DefaultLanguage = LanguageRU
	DefaultDepth    = DepthStandard

	MinTopicLength = 5
	MaxTopicLength = 500
)

// Params はリサーチジョブの入力です。
type Params struct {
	Topic    string   `json:"topic" validate:"required,min=5,max=500"`
	Category Category `json:"category" validate:"oneof=general business_analysis seo_content tech_research financial_analysis"`
	Language Language `json:"language" validate:"oneof=ru en"`
	Depth    Depth    `json:"depth" validate:"oneof=basic standard comprehensive"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Normalize は既定値を補完し、入力を検証した Params を返します。
// 検証に失敗した場合は CodeValidation の *Error を返します。
func (p Params) Normalize() (Params, error) {
	out := Params{
		Topic:    strings.TrimSpace(p.Topic),
		Category: Category(strings.ToLower(strings.TrimSpace(string(p.Category)))),
		Language: Language(strings.ToLower(strings.TrimSpace(string(p.Language)))),
		Depth:    Depth(strings.ToLower(strings.TrimSpace(string(p.Depth)))),
	}
	if out.Category == "" {
		out.Category = DefaultCategory
	}
	if out.Language == "" {
		out.Language = DefaultLanguage
	}
	if out.Depth == "" {
		out.Depth = DefaultDepth
	}

	if err := validate.Struct(out); err != nil {
		return Params{}, validationError(err)
	}
	return out, nil
}

func validationError(err error) *Error {
	details := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details[fe.Field()] = fieldMessage(fe)
		}
	}
	e := newError(CodeValidation, "入力内容に誤りがあります。", err)
	e.Details = details
	return e
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Field() {
	case "topic":
		if fe.Tag() == "required" {
			return "topic を指定してください。"
		}
		return "topic は 5〜500 文字で指定してください。"
	case "category":
		return "category には " + strings.Join(categoryNames(), ", ") + " のいずれかを指定してください。"
	case "language":
		return "language には ru または en を指定してください。"
	case "depth":
		return "depth には basic, standard, comprehensive のいずれかを指定してください。"
	default:
		return fe.Error()
	}
}

func categoryNames() []string {
	names := make([]string, len(Categories))
	for i, c := range Categories {
		names[i] = string(c)
	}
	return names
}
