package scraper

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mirzoev/finebot/internal/scraper/config"
)

func TestParseSearchPage(t *testing.T) {
	s := newTestScraper(t, config.Config{BaseURL: "https://rbda.dc.tj"})

	result := s.parseSearchPage(finesPage)

	require.Equal(t, "1234AB01", result.VehicleInfo.Plate)
	require.Equal(t, "Opel Astra", result.VehicleInfo.Model)
	require.Equal(t, "2", result.VehicleInfo.FineCount)
	require.Equal(t, "500 сомони", result.VehicleInfo.TotalAmount)

	require.Len(t, result.Fines, 2)

	fine := result.Fines[0]
	require.Equal(t, "ORD-1", fine.Order)
	require.Equal(t, "1234AB01", fine.Plate)
	require.Equal(t, "01.06.2026", fine.Date)
	require.Equal(t, "Превышение скорости", fine.Violation)
	require.Equal(t, "250 сомони", fine.Amount)
	require.Equal(t, map[string]string{
		"фото_1": "https://rbda.dc.tj/media/view.php?id=1",
		"видео":  "https://video.mycar.tj/video/77",
	}, fine.MediaLinks)

	require.Empty(t, result.Fines[1].MediaLinks)
}

func TestParseVehicleInfoOldMarkup(t *testing.T) {
	block := `<p>Владелец: Иванов И.И.</p>
<p>Марка: Opel</p>
<p>Цвет: Белый</p>
<p>Год: 2015</p>`

	info := parseVehicleInfo(block)

	require.Equal(t, "Иванов И.И.", info.Owner)
	require.Equal(t, "Opel", info.Brand)
	require.Equal(t, "Белый", info.Color)
	require.Equal(t, "2015", info.Year)
}

func TestParseSearchPageEmpty(t *testing.T) {
	s := newTestScraper(t, config.Config{BaseURL: "https://rbda.dc.tj"})

	result := s.parseSearchPage("<html><body>ничего не найдено</body></html>")
	require.Empty(t, result.Fines)
	require.Zero(t, result.VehicleInfo)
}
