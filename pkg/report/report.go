// Package report renders an inspection event into a maintenance request
// document (.docx) and a problem register (.xlsx).
package report

import (
	"bytes"
	"fmt"
	"time"

	"lemmacheck/pkg/domain"
)

const (
	ContentTypeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	ContentTypeXlsx = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	DefaultLatinFont     = "Arial"
	DefaultEastAsianFont = "Microsoft JhengHei"
)

const (
	headingImportant = "🛠️ 一、嚴重缺陷（需優先處理）"
	headingByArea    = "🔧 二、其他需修復項目（按區域分類）"
	noProblems       = "暫無問題記錄"
	noDescription    = "無描述"
	summaryTemplate  = "本人於上述日期對%s%s進行全面檢查，" +
		"發現單位存在多項建築結構、裝修質量及機電安裝方面的缺陷，部分情況屬嚴重，亟需安排維修處理。" +
		"現提交詳細報告如下，懇請房委會安排相關部門盡快進行執漏及修復工作，以保障住戶安全及居住品質。"
)

// Fonts selects the Latin and East Asian faces applied to every run.
type Fonts struct {
	Latin     string
	EastAsian string
}

func (f Fonts) withDefaults() Fonts {
	if f.Latin == "" {
		f.Latin = DefaultLatinFont
	}
	if f.EastAsian == "" {
		f.EastAsian = DefaultEastAsianFont
	}
	return f
}

// Build lays out the report body for event. now supplies the inspection date
// printed in the header.
func Build(event domain.Event, now time.Time) *Document {
	doc := &Document{}
	place := event.HouseName() + domain.Deref(event.Flat)

	applicant := "申請人身份：" + domain.Deref(event.CustomerName)
	if old := domain.Deref(event.OldHouseID); old != "" {
		applicant += "（" + old + "）"
	}
	header := fmt.Sprintf("%s維修申請報告\n%s\n檢查日期：%d 年 %d 月 %d 日",
		place, applicant, now.Year(), int(now.Month()), now.Day())
	doc.addText(header, true, 12)
	doc.addText(fmt.Sprintf(summaryTemplate, event.HouseName(), domain.Deref(event.Flat)), false, 0)

	g := Group(event.Problems)
	if g.Empty() {
		doc.addText(noProblems, false, 0)
		return doc
	}
	if len(g.Important) > 0 {
		doc.addText(headingImportant, true, 0)
		for i, p := range g.Important {
			addProblem(doc, p, i+1)
		}
	}
	if len(g.Categories) > 0 {
		doc.addText(headingByArea, true, 0)
		for _, c := range g.Categories {
			doc.addText(" "+c.Category+" ", true, 0)
			for i, p := range c.Problems {
				addProblem(doc, p, i+1)
			}
		}
	}
	return doc
}

func addProblem(doc *Document, p domain.Problem, index int) {
	description := p.Description
	if description == "" {
		description = noDescription
	}
	doc.addText(fmt.Sprintf("%d.\t%s", index, description), false, 0)
	for i, raw := range p.Images {
		pic, err := decodePicture(raw)
		if err != nil {
			doc.addText(fmt.Sprintf("圖片 %d (無法載入)", i+1), false, 0)
			continue
		}
		doc.addPicture(pic)
	}
	doc.addText("", false, 0)
}

// Generate renders event as .docx bytes.
func Generate(event domain.Event, now time.Time, fonts Fonts) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteDocx(&buf, Build(event, now), fonts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Filename returns the download name of the report for url generated at now.
func Filename(url string, now time.Time) string {
	return fmt.Sprintf("查驗報告_%s_%s.docx", url, now.Format("20060102_150405"))
}

// RegisterFilename returns the download name of the problem register.
func RegisterFilename(url string, now time.Time) string {
	return fmt.Sprintf("問題清單_%s_%s.xlsx", url, now.Format("20060102_150405"))
}
