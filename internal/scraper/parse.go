package scraper

import (
	"html"
	"regexp"
	"strings"

	"github.com/mirzoev/finebot/internal/model"
)

// Разбор HTML страницы результатов поиска. Маркеры разметки портала
// сосредоточены здесь и больше нигде не используются

var (
	reInfoBlock  = regexp.MustCompile(`(?s)<div[^>]*class="[^"]*alert-primary[^"]*"[^>]*>(.*?)</div>`)
	reFinesTable = regexp.MustCompile(`(?s)<table[^>]*class="[^"]*table-light[^"]*"[^>]*>(.*?)</table>`)
	reTableRow   = regexp.MustCompile(`(?s)<tr[^>]*>(.*?)</tr>`)
	reTableCell  = regexp.MustCompile(`(?s)<td[^>]*>(.*?)</td>`)
	reHref       = regexp.MustCompile(`href="([^"]+)"`)
	reTag        = regexp.MustCompile(`<[^>]+>`)

	// поля блока информации об автомобиле, новая разметка с <u>
	reInfoPlate       = regexp.MustCompile(`Номер автомобиля:\s*<u>([^<]+)</u>`)
	reInfoModel       = regexp.MustCompile(`Модель автомобиля:\s*<u>([^<]+)</u>`)
	reInfoColor       = regexp.MustCompile(`Цвет автомобиля:\s*<u>([^<]+)</u>`)
	reInfoFineCount   = regexp.MustCompile(`Кол-во штрафов:\s*<u>([^<]+)</u>`)
	reInfoTotalAmount = regexp.MustCompile(`Общая сумма:\s*<u>([^<]+)</u>`)
)

// Названия колонок с медиа в таблице штрафов (колонки 6-9)
var mediaKeys = [4]string{"фото_1", "фото_2", "доп_фото", "видео"}

func (s *rbdaScraper) parseSearchPage(body string) model.SearchResult {
	var result model.SearchResult

	if m := reInfoBlock.FindStringSubmatch(body); m != nil {
		result.VehicleInfo = parseVehicleInfo(m[1])
	}

	table := reFinesTable.FindStringSubmatch(body)
	if table == nil {
		return result
	}

	for _, row := range reTableRow.FindAllStringSubmatch(table[1], -1) {
		cells := reTableCell.FindAllStringSubmatch(row[1], -1)
		if len(cells) <= 10 {
			continue
		}

		fine := model.FineRecord{
			Order:      stripTags(cells[1][1]),
			Plate:      stripTags(cells[2][1]),
			Date:       stripTags(cells[3][1]),
			Violation:  stripTags(cells[4][1]),
			Amount:     stripTags(cells[5][1]),
			MediaLinks: map[string]string{},
		}

		for i, cell := range cells[6:10] {
			href := reHref.FindStringSubmatch(cell[1])
			if href == nil || href[1] == "" {
				continue
			}
			fine.MediaLinks[mediaKeys[i]] = s.absURL(html.UnescapeString(href[1]))
		}

		result.Fines = append(result.Fines, fine)
	}

	return result
}

func parseVehicleInfo(block string) model.VehicleInfo {
	var info model.VehicleInfo

	extract := func(re *regexp.Regexp) string {
		if m := re.FindStringSubmatch(block); m != nil {
			return strings.TrimSpace(m[1])
		}
		return ""
	}

	info.Plate = extract(reInfoPlate)
	info.Model = extract(reInfoModel)
	info.Color = extract(reInfoColor)
	info.FineCount = extract(reInfoFineCount)
	info.TotalAmount = extract(reInfoTotalAmount)

	if info != (model.VehicleInfo{}) {
		return info
	}

	// старая разметка: строки "ключ: значение" без <u>
	for _, line := range strings.Split(stripTags(block), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch {
		case strings.Contains(key, "Владелец"), strings.Contains(key, "Owner"):
			info.Owner = value
		case strings.Contains(key, "Марка"), strings.Contains(key, "Brand"):
			info.Brand = value
		case strings.Contains(key, "Модель"), strings.Contains(key, "Model"):
			info.Model = value
		case strings.Contains(key, "Цвет"), strings.Contains(key, "Color"):
			info.Color = value
		case strings.Contains(key, "Год"), strings.Contains(key, "Year"):
			info.Year = value
		case strings.Contains(strings.ToUpper(key), "VIN"):
			info.VIN = value
		case strings.Contains(key, "Номер"), strings.Contains(key, "Plate"):
			info.Plate = value
		}
	}

	return info
}

func stripTags(s string) string {
	// переносы строк вместо тегов, чтобы сохранить построчную структуру
	text := reTag.ReplaceAllString(s, "\n")
	return strings.TrimSpace(html.UnescapeString(text))
}
