// Package geo 提供引擎所需的球面几何计算
//
// 记录器的距离过滤、围栏监控器的邻近排序和包含判断都依赖这里的
// haversine 距离。精度对百米级围栏和米级过滤阈值足够。
package geo

import (
	"math"

	"geotrail/internal/models"
)

const earthRadiusMeters = 6371008.8

// Distance 计算两个经纬度点之间的大圆距离（米）
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// Contains 判断点是否落在围栏区域内
func Contains(region *models.GeofenceRegion, lat, lon float64) bool {
	return Distance(region.Latitude, region.Longitude, lat, lon) <= region.Radius
}
