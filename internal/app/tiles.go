package app

// TileLayer 是一个可选的底图瓦片源（只做目录，不负责渲染）。
type TileLayer struct {
	Value string `json:"value"`
	Label string `json:"label"`
	URL   string `json:"url"`
}

// TileLayers 返回可选底图，第一个是默认值。
func TileLayers() []TileLayer {
	return []TileLayer{
		{Value: "osm", Label: "OpenStreetMap", URL: "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png"},
		{Value: "cartoDb", Label: "Carto DB (Light)", URL: "https://{s}.basemaps.cartocdn.com/light_all/{z}/{x}/{y}{r}.png"},
		{Value: "cartoDark", Label: "Carto DB (Dark)", URL: "https://{s}.basemaps.cartocdn.com/dark_all/{z}/{x}/{y}{r}.png"},
		{Value: "esri", Label: "ESRI World Imagery", URL: "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}"},
	}
}

// TileLayerURL 按名称查找瓦片地址；空名称返回默认底图。
func TileLayerURL(name string) (string, bool) {
	layers := TileLayers()
	if name == "" {
		return layers[0].URL, true
	}
	for _, l := range layers {
		if l.Value == name {
			return l.URL, true
		}
	}
	return "", false
}
